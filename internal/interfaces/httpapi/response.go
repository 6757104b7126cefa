package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
)

// ErrorResponse 统一错误体
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response failed")
	}
}

// statusOf 错误分类到 HTTP 状态码
func statusOf(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindConflict:
		return http.StatusConflict
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindAuth:
		return http.StatusUnauthorized
	case model.KindConnectivity, model.KindRolledBack:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError 部分失败优先于其底层原因；内部错误只返回 INTERNAL
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	body := ErrorResponse{Code: model.CodeInternal, Message: "internal error"}

	var me *model.Error
	var mi *model.ManualInterventionError
	var rb *model.RolledBackError
	switch {
	case errors.As(err, &me) && me.Kind == kind && kind != model.KindInternal:
		body = ErrorResponse{Code: me.Code, Message: me.Message, Details: me.Details}
	case errors.As(err, &mi):
		e := mi.ToError()
		body = ErrorResponse{Code: e.Code, Message: e.Message, Details: e.Details}
	case errors.As(err, &rb):
		e := rb.ToError()
		body = ErrorResponse{Code: e.Code, Message: e.Message, Details: e.Details}
	case kind == model.KindAuth:
		body = ErrorResponse{Code: model.CodeAuthFailed, Message: "exchange authentication failed"}
	case kind == model.KindConnectivity:
		body = ErrorResponse{Code: model.CodeConnectFailed, Message: "exchange connection failed"}
	}

	status := statusOf(kind)
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Str("method", r.Method).Str("path", r.URL.Path).Str("code", body.Code).Int("status", status).Err(err).
		Msg("request failed")
	writeJSON(w, status, body)
}

func decode(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, 1<<20)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return model.ValidationError(model.CodeInvalidRequest, "invalid request body").WithDetail("error", err.Error())
	}
	return nil
}
