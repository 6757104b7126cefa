package gate

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"fundarb/internal/infrastructure/exchange"
)

var json = exchange.JSON

// Gate 错误标签
const (
	labelOrderNotFound    = "ORDER_NOT_FOUND"
	labelInvalidKey       = "INVALID_KEY"
	labelInvalidSignature = "INVALID_SIGNATURE"
	labelForbidden        = "FORBIDDEN"
)

type errorBody struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}

// signedRequest 签名请求，path 为含 /api/v4 的完整路径
func (c *APIClient) signedRequest(ctx context.Context, method, path string, params url.Values, payload any) ([]byte, error) {
	var (
		query string
		body  []byte
		err   error
	)
	if params != nil {
		query = params.Encode()
	}
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	req, err := c.rest.NewRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("KEY", c.credentials.APIKey())
	req.Header.Set("Timestamp", ts)
	req.Header.Set("SIGN", c.credentials.Sign(signPayload(method, path, query, body, ts)))
	req.Header.Set("Accept", "application/json")

	raw, err := c.rest.Do(req)
	return raw, decodeError(err)
}

// decodeError 从响应体中提取 label
func decodeError(err error) error {
	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var eb errorBody
	if json.UnmarshalFromString(apiErr.Message, &eb) == nil && eb.Label != "" {
		apiErr.Code = eb.Label
		apiErr.Message = eb.Message
	}
	return apiErr
}

func hasLabel(err error, labels ...string) bool {
	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, l := range labels {
		if apiErr.Code == l {
			return true
		}
	}
	return false
}

func isAuthError(err error) bool {
	return hasLabel(err, labelInvalidKey, labelInvalidSignature, labelForbidden)
}
