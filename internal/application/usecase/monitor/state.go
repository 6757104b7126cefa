package monitor

import (
	"sync"

	"fundarb/internal/domain/model"
)

type Dir int

const (
	DirSame Dir = 0
	DirUp   Dir = +1
	DirDown Dir = -1
)

type symState struct {
	rate model.MarketRate
	seen bool
	dir  Dir // 年化收益相对上一次的变化方向
}

// Transition 单个币种状态变化
type Transition struct {
	Symbol string
	From   model.MarketStatus
	To     model.MarketStatus
	Rate   model.MarketRate
}

// Entered 进入机会区间
func (t Transition) Entered() bool {
	return t.To == model.StatusOpportunity && t.From != model.StatusOpportunity
}

// Left 离开机会区间
func (t Transition) Left() bool {
	return t.From == model.StatusOpportunity && t.To != model.StatusOpportunity
}

type State struct {
	mu sync.Mutex

	order []string
	syms  map[string]*symState
}

func NewState(symbols []string) *State {
	order := make([]string, 0, len(symbols))
	syms := make(map[string]*symState, len(symbols))
	for _, s := range symbols {
		u := model.NormalizeSymbol(s)
		if u == "" {
			continue
		}
		if _, dup := syms[u]; dup {
			continue
		}
		order = append(order, u)
		syms[u] = &symState{}
	}
	return &State{order: order, syms: syms}
}

func (s *State) Symbols() []string {
	return s.order
}

// Apply 应用一个币种的计算结果
// changed 表示显示内容变化；状态在 normal/approaching/opportunity 之间切换时返回 Transition
func (s *State) Apply(rate model.MarketRate) (changed bool, tr *Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.syms[rate.Symbol]
	if st == nil {
		return false, nil
	}

	prev := st.rate
	prevStatus := prev.Status
	if !st.seen {
		prevStatus = model.StatusNormal
	}

	cur, old := annualizedOf(rate), annualizedOf(prev)
	switch {
	case !st.seen || cur == old:
		st.dir = DirSame
	case cur > old:
		st.dir = DirUp
	default:
		st.dir = DirDown
	}
	changed = !st.seen || cur != old || rate.Status != prev.Status || pairKey(rate) != pairKey(prev)

	st.rate = rate
	st.seen = true
	if rate.Status != prevStatus {
		tr = &Transition{Symbol: rate.Symbol, From: prevStatus, To: rate.Status, Rate: rate}
	}
	return changed, tr
}

// Snapshot 当前状态副本
func (s *State) Snapshot() map[string]symState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]symState, len(s.syms))
	for k, v := range s.syms {
		out[k] = *v
	}
	return out
}

// Opportunities 当前处于机会状态的币种
func (s *State) Opportunities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, sym := range s.order {
		if st := s.syms[sym]; st.seen && st.rate.Status == model.StatusOpportunity {
			out = append(out, sym)
		}
	}
	return out
}

func annualizedOf(r model.MarketRate) float64 {
	if r.BestPair == nil {
		return 0
	}
	return r.BestPair.AnnualizedReturn
}

func pairKey(r model.MarketRate) string {
	if r.BestPair == nil {
		return ""
	}
	return string(r.BestPair.LongExchange) + "/" + string(r.BestPair.ShortExchange)
}
