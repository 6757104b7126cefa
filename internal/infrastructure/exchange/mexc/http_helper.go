package mexc

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

// MEXC 错误码
const (
	codeUnauthorized  = 401
	codeKeyExpired    = 402
	codeIPNotAllowed  = 406
	codeSignature     = 602
	codeOrderNotExist = 2041
)

// envelope {"success":true,"code":0,"data":...}
type envelope struct {
	Success bool                `json:"success"`
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Data    jsoniter.RawMessage `json:"data"`
}

// signedRequest GET 签名串为按 key 排序的 query，POST 为 JSON body
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
	paramString := query
	if payload != nil {
		paramString = string(body)
	}

	req, err := c.rest.NewRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	reqTime := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("ApiKey", c.credentials.APIKey())
	req.Header.Set("Request-Time", reqTime)
	req.Header.Set("Signature", c.credentials.Sign(reqTime, paramString))
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.rest.Do(req)
	if err != nil {
		return nil, decodeError(err)
	}
	return unwrap(raw)
}

func publicGet(ctx context.Context, rest *exchange.RESTClient, path string, params url.Values) ([]byte, error) {
	raw, err := rest.Get(ctx, path, params)
	if err != nil {
		return nil, decodeError(err)
	}
	return unwrap(raw)
}

// unwrap success=false 视为交易所拒绝
func unwrap(raw []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("mexc: unexpected response: %w", err)
	}
	if !env.Success || env.Code != 0 {
		return nil, &exchange.APIError{Exchange: model.ExchangeMEXC, Status: 200, Code: strconv.Itoa(env.Code), Message: env.Message}
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
		apiErr.Message = env.Message
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
	return hasCode(err, codeUnauthorized, codeKeyExpired, codeIPNotAllowed, codeSignature)
}
