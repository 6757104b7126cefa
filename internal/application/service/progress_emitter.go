package service

import (
	"context"
	"errors"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	domain "fundarb/internal/domain/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// 推送事件名
const (
	EventProgress       = "position:progress"
	EventSuccess        = "position:success"
	EventFailed         = "position:failed"
	EventRollbackFailed = "position:rollback_failed"

	EventCloseProgress = "position:close:progress"
	EventCloseSuccess  = "position:close:success"
	EventCloseFailed   = "position:close:failed"

	EventBatchCloseProgress = "batch:close:progress"
	EventBatchCloseComplete = "batch:close:complete"

	EventAccountPosition       = "account:position"
	EventAccountPositionClosed = "account:position_closed"
	EventAccountBalance        = "account:balance"
	EventAccountOrder          = "account:order"
)

// PositionRoom 单个持仓的房间
func PositionRoom(positionID string) string { return "position:" + positionID }

// UserRoom 用户频道
func UserRoom(userID string) string { return "user:" + userID }

// ProgressPayload 进度推送
type ProgressPayload struct {
	PositionID string      `json:"position_id"`
	GroupID    string      `json:"group_id,omitempty"`
	Step       domain.Step `json:"step"`
	Progress   int         `json:"progress"`
	Message    string      `json:"message,omitempty"`
	Timestamp  int64       `json:"timestamp"`
}

// FailurePayload 失败推送
type FailurePayload struct {
	PositionID string         `json:"position_id"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// BatchProgressPayload 批量平仓进度
type BatchProgressPayload struct {
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	PositionID string `json:"position_id"`
	Succeeded  bool   `json:"succeeded"`
	Error      string `json:"error,omitempty"`
}

// ProgressEmitter 把编排器状态推送到持仓房间和用户频道
// 未挂载推送目标时所有调用均为空操作
type ProgressEmitter struct {
	mu  sync.RWMutex
	hub port.Broadcaster
	now func() time.Time
}

func NewProgressEmitter(hub port.Broadcaster) *ProgressEmitter {
	return &ProgressEmitter{hub: hub, now: time.Now}
}

// Attach 挂载推送目标
func (e *ProgressEmitter) Attach(hub port.Broadcaster) {
	e.mu.Lock()
	e.hub = hub
	e.mu.Unlock()
}

// Detach 卸载推送目标
func (e *ProgressEmitter) Detach() { e.Attach(nil) }

func (e *ProgressEmitter) broadcaster() port.Broadcaster {
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hub
}

func (e *ProgressEmitter) emit(ctx context.Context, rooms []string, event string, payload any) {
	hub := e.broadcaster()
	if hub == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		log.Error().Str("event", event).Err(err).Msg("encode push payload failed")
		return
	}
	for _, room := range rooms {
		if err := hub.Broadcast(ctx, room, event, b); err != nil {
			log.Debug().Str("room", room).Str("event", event).Err(err).Msg("broadcast failed")
		}
	}
}

func (e *ProgressEmitter) timestamp() int64 {
	if e == nil || e.now == nil {
		return time.Now().UnixMilli()
	}
	return e.now().UnixMilli()
}

func positionRooms(userID, positionID string) []string {
	rooms := make([]string, 0, 2)
	if positionID != "" {
		rooms = append(rooms, PositionRoom(positionID))
	}
	if userID != "" {
		rooms = append(rooms, UserRoom(userID))
	}
	return rooms
}

// User 推送到用户频道
func (e *ProgressEmitter) User(ctx context.Context, userID, event string, payload any) {
	e.emit(ctx, []string{UserRoom(userID)}, event, payload)
}

// Progress 开仓步骤
func (e *ProgressEmitter) Progress(ctx context.Context, userID, positionID, groupID string, step domain.Step, msg string) {
	e.emit(ctx, positionRooms(userID, positionID), EventProgress, ProgressPayload{
		PositionID: positionID,
		GroupID:    groupID,
		Step:       step,
		Progress:   step.Progress(),
		Message:    msg,
		Timestamp:  e.timestamp(),
	})
}

// Success 开仓成功（含止盈止损部分失败）
func (e *ProgressEmitter) Success(ctx context.Context, userID string, res *model.OpenResult) {
	e.emit(ctx, positionRooms(userID, res.PositionID), EventSuccess, res)
}

// Failed 开仓失败；回滚失败单独推送 rollback_failed
func (e *ProgressEmitter) Failed(ctx context.Context, userID, positionID string, err error) {
	event := EventFailed
	var mi *model.ManualInterventionError
	if errors.As(err, &mi) {
		event = EventRollbackFailed
	}
	e.emit(ctx, positionRooms(userID, positionID), event, e.failure(positionID, err))
}

// CloseProgress 平仓步骤
func (e *ProgressEmitter) CloseProgress(ctx context.Context, userID, positionID string, step domain.Step, msg string) {
	e.emit(ctx, positionRooms(userID, positionID), EventCloseProgress, ProgressPayload{
		PositionID: positionID,
		Step:       step,
		Progress:   step.Progress(),
		Message:    msg,
		Timestamp:  e.timestamp(),
	})
}

// CloseSuccess 平仓成功
func (e *ProgressEmitter) CloseSuccess(ctx context.Context, userID string, res *model.CloseResult) {
	e.emit(ctx, positionRooms(userID, res.PositionID), EventCloseSuccess, res)
}

// CloseFailed 平仓失败
func (e *ProgressEmitter) CloseFailed(ctx context.Context, userID, positionID string, err error) {
	e.emit(ctx, positionRooms(userID, positionID), EventCloseFailed, e.failure(positionID, err))
}

// BatchProgress 批量平仓单项完成
func (e *ProgressEmitter) BatchProgress(ctx context.Context, userID string, p BatchProgressPayload) {
	e.User(ctx, userID, EventBatchCloseProgress, p)
}

// BatchComplete 批量平仓结束
func (e *ProgressEmitter) BatchComplete(ctx context.Context, userID string, res *model.BatchCloseResult) {
	e.User(ctx, userID, EventBatchCloseComplete, res)
}

func (e *ProgressEmitter) failure(positionID string, err error) FailurePayload {
	p := FailurePayload{PositionID: positionID, Code: model.CodeInternal, Message: "internal error", Timestamp: e.timestamp()}
	var me *model.Error
	switch {
	case errors.As(err, &me) && me.Kind != model.KindInternal:
		p.Code, p.Message, p.Details = me.Code, me.Message, me.Details
	case model.KindOf(err) == model.KindRollbackFailed || model.KindOf(err) == model.KindRolledBack:
		if pe := toError(err); pe != nil {
			p.Code, p.Message, p.Details = pe.Code, pe.Message, pe.Details
		}
	}
	return p
}

// toError 部分失败统一转为 *model.Error
func toError(err error) *model.Error {
	var mi *model.ManualInterventionError
	if errors.As(err, &mi) {
		return mi.ToError()
	}
	var rb *model.RolledBackError
	if errors.As(err, &rb) {
		return rb.ToError()
	}
	var me *model.Error
	if errors.As(err, &me) {
		return me
	}
	return nil
}
