package bingx

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

var json = exchange.JSON

// BingX 错误码
const (
	codeOrderNotExist   = 80016  // order does not exist
	codeSignature       = 100001 // signature verification failed
	codeInvalidAPIKey   = 100413 // incorrect apiKey
	codeIPNotWhitelist  = 100419 // IP does not match whitelist
	codeOrderNotExistV2 = 109414
)

// envelope 统一响应包装 {"code":0,"msg":"","data":...}
type envelope struct {
	Code int                 `json:"code"`
	Msg  string              `json:"msg"`
	Data jsoniter.RawMessage `json:"data"`
}

// signedRequest 参数加 timestamp 后整体签名，签名追加在 query 末尾
// POST 同样走 query string
func (c *APIClient) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()
	query += "&signature=" + c.credentials.Sign(query)

	req, err := c.rest.NewRequest(ctx, method, path, query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BX-APIKEY", c.credentials.APIKey())

	body, err := c.rest.Do(req)
	if err != nil {
		return nil, decodeError(err)
	}
	return unwrap(body)
}

// keyRequest 仅需 API Key 的请求（listenKey），响应不带 envelope
func (c *APIClient) keyRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	var query string
	if params != nil {
		query = params.Encode()
	}
	req, err := c.rest.NewRequest(ctx, method, path, query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BX-APIKEY", c.credentials.APIKey())
	body, err := c.rest.Do(req)
	return body, decodeError(err)
}

func publicGet(ctx context.Context, rest *exchange.RESTClient, path string, params url.Values) ([]byte, error) {
	body, err := rest.Get(ctx, path, params)
	if err != nil {
		return nil, decodeError(err)
	}
	return unwrap(body)
}

// unwrap code!=0 视为交易所拒绝
func unwrap(body []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bingx: unexpected response: %w", err)
	}
	if env.Code != 0 {
		return nil, &exchange.APIError{Exchange: model.ExchangeBingX, Status: 200, Code: strconv.Itoa(env.Code), Message: env.Msg}
	}
	return env.Data, nil
}

func decodeError(err error) error {
	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var env envelope
	if json.UnmarshalFromString(apiErr.Message, &env) == nil && env.Code != 0 {
		apiErr.Code = strconv.Itoa(env.Code)
		apiErr.Message = env.Msg
	}
	return apiErr
}

func hasCode(err error, codes ...int) bool {
	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.Code == strconv.Itoa(c) {
			return true
		}
	}
	return false
}

func isAuthError(err error) bool {
	return hasCode(err, codeSignature, codeInvalidAPIKey, codeIPNotWhitelist)
}
