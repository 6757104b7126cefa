package service

import "fmt"

// Step 编排器步骤
type Step string

const (
	StepValidating     Step = "validating"
	StepExecutingLong  Step = "executing_long"
	StepExecutingShort Step = "executing_short"
	StepRollingBack    Step = "rolling_back"
	StepCompleting     Step = "completing"
	StepClosingLong    Step = "closing_long"
	StepClosingShort   Step = "closing_short"
	StepCalculatingPnl Step = "calculating_pnl"
	StepDone           Step = "done"
	StepFailed         Step = "failed"
)

// openTransitions 开仓流程允许的转换
var openTransitions = map[Step][]Step{
	StepValidating:     {StepExecutingLong, StepFailed},
	StepExecutingLong:  {StepExecutingShort, StepFailed},
	StepExecutingShort: {StepCompleting, StepRollingBack},
	StepRollingBack:    {StepFailed},
	StepCompleting:     {StepDone},
}

// closeTransitions 平仓流程允许的转换
var closeTransitions = map[Step][]Step{
	StepValidating:     {StepClosingLong, StepFailed},
	StepClosingLong:    {StepClosingShort, StepFailed},
	StepClosingShort:   {StepCalculatingPnl, StepFailed},
	StepCalculatingPnl: {StepCompleting},
	StepCompleting:     {StepDone},
}

// StepMachine 单次请求的状态机，非并发安全（每个请求独占）
type StepMachine struct {
	transitions map[Step][]Step
	current     Step
	history     []Step
}

// NewOpenMachine 开仓状态机
func NewOpenMachine() *StepMachine {
	return &StepMachine{transitions: openTransitions, current: StepValidating, history: []Step{StepValidating}}
}

// NewCloseMachine 平仓状态机
func NewCloseMachine() *StepMachine {
	return &StepMachine{transitions: closeTransitions, current: StepValidating, history: []Step{StepValidating}}
}

// Current 当前步骤
func (m *StepMachine) Current() Step { return m.current }

// History 已经过的步骤
func (m *StepMachine) History() []Step {
	out := make([]Step, len(m.history))
	copy(out, m.history)
	return out
}

// CanTransition 检查转换是否合法
func (m *StepMachine) CanTransition(to Step) bool {
	for _, s := range m.transitions[m.current] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition 执行转换
func (m *StepMachine) Transition(to Step) error {
	if !m.CanTransition(to) {
		return fmt.Errorf("invalid step transition %s -> %s", m.current, to)
	}
	m.current = to
	m.history = append(m.history, to)
	return nil
}

// Progress 步骤对应的进度百分比
func (s Step) Progress() int {
	switch s {
	case StepValidating:
		return 10
	case StepExecutingLong, StepClosingLong:
		return 30
	case StepExecutingShort, StepClosingShort:
		return 60
	case StepRollingBack:
		return 70
	case StepCalculatingPnl:
		return 80
	case StepCompleting:
		return 90
	case StepDone:
		return 100
	default:
		return 0
	}
}
