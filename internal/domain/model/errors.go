package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrorKind 错误分类
type ErrorKind string

const (
	KindConnectivity   ErrorKind = "connectivity"
	KindAuth           ErrorKind = "auth"
	KindValidation     ErrorKind = "validation"
	KindConflict       ErrorKind = "conflict"
	KindNotFound       ErrorKind = "not_found"
	KindRolledBack     ErrorKind = "partial_rolled_back"
	KindRollbackFailed ErrorKind = "rollback_failed"
	KindInternal       ErrorKind = "internal"
)

// 错误码
const (
	CodeLockConflict        = "LOCK_CONFLICT"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeRestrictedPair      = "RESTRICTED_PAIR"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeQuantityTooSmall    = "QUANTITY_TOO_SMALL"
	CodeNotFound            = "NOT_FOUND"
	CodeLongLegFailed       = "LONG_LEG_FAILED"
	CodeRolledBack          = "ROLLED_BACK"
	CodeRollbackFailed      = "ROLLBACK_FAILED"
	CodeCloseFailed         = "CLOSE_FAILED"
	CodePartialConditional  = "PARTIAL_CONDITIONAL"
	CodeConnectFailed       = "CONNECT_FAILED"
	CodeAuthFailed          = "AUTH_FAILED"
	CodeInternal            = "INTERNAL"
)

// Error 统一的业务错误
type Error struct {
	Kind    ErrorKind      `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail 附加上下文
func (e *Error) WithDetail(key string, v any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = v
	return e
}

// NewError 创建业务错误
func NewError(kind ErrorKind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// ValidationError 参数/余额/限制校验失败
func ValidationError(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// ConflictError 锁冲突
func ConflictError(key string) *Error {
	return (&Error{
		Kind:    KindConflict,
		Code:    CodeLockConflict,
		Message: "another operation is in progress for this symbol, try again shortly",
	}).WithDetail("lock_key", key)
}

// InternalError 包装未知错误，不向外暴露内部细节
func InternalError(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// KindOf 获取错误分类，非 *Error 视为 internal
// 部分失败优先判定，避免被其包装的底层错误覆盖
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var mi *ManualInterventionError
	if errors.As(err, &mi) {
		return KindRollbackFailed
	}
	var rb *RolledBackError
	if errors.As(err, &rb) {
		return KindRolledBack
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		if ce.Auth {
			return KindAuth
		}
		return KindConnectivity
	}
	return KindInternal
}

// IsConflict 是否锁冲突
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// NotFoundError 资源不存在
func NotFoundError(msg string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: msg}
}

// ========== Connect Error ==========

// ConnectError 适配器连接失败
type ConnectError struct {
	Exchange ExchangeID
	Auth     bool // 凭证错误，不应盲目重试
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Auth {
		return fmt.Sprintf("%s connect: authentication failed: %v", e.Exchange, e.Err)
	}
	return fmt.Sprintf("%s connect: %v", e.Exchange, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ========== Partial Failure ==========

// RolledBackError 第二腿失败，第一腿已成功回滚
type RolledBackError struct {
	Symbol   string
	Exchange ExchangeID // 失败的一腿
	Cause    error
}

func (e *RolledBackError) Error() string {
	return fmt.Sprintf("%s opened then rolled back: %s leg failed: %v", e.Symbol, e.Exchange, e.Cause)
}

func (e *RolledBackError) Unwrap() error { return e.Cause }

// ManualIntervention 人工处理所需信息
type ManualIntervention struct {
	Exchange      ExchangeID      `json:"exchange"`
	Symbol        string          `json:"symbol"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"` // 下单结果未知时只有客户端订单号
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
}

// ManualInterventionError 回滚失败，需要人工平仓
type ManualInterventionError struct {
	Actions     []ManualIntervention
	Cause       error // 原始失败
	RollbackErr error
	Reason      string // 为空时为回滚失败
}

func (e *ManualInterventionError) Error() string {
	parts := make([]string, 0, len(e.Actions))
	for _, a := range e.Actions {
		parts = append(parts, fmt.Sprintf("%s %s %s order=%s qty=%s", a.Exchange, a.Symbol, a.Side, a.OrderID, a.Quantity))
	}
	return fmt.Sprintf("%s [%s]: %v (cause: %v)", e.message(), strings.Join(parts, "; "), e.RollbackErr, e.Cause)
}

func (e *ManualInterventionError) message() string {
	if e.Reason != "" {
		return e.Reason + ", requires manual intervention"
	}
	return "rollback failed, requires manual intervention"
}

func (e *ManualInterventionError) Unwrap() []error { return []error{e.Cause, e.RollbackErr} }

// ToError 转为统一错误
func (e *RolledBackError) ToError() *Error {
	return (&Error{Kind: KindRolledBack, Code: CodeRolledBack, Message: "position opened then rolled back", Err: e}).
		WithDetail("failed_exchange", string(e.Exchange))
}

// ToError 转为统一错误，保留人工处理明细
func (e *ManualInterventionError) ToError() *Error {
	return (&Error{Kind: KindRollbackFailed, Code: CodeRollbackFailed, Message: e.message(), Err: e}).
		WithDetail("actions", e.Actions)
}
