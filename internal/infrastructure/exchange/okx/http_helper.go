package okx

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

var json = exchange.JSON

// OKX 错误码
const (
	codeOrderNotExist = "51603" // Order does not exist
	codeLoginFailed   = "60009"
	codeInvalidSign   = "50113"
	codeInvalidKey    = "50111"
	codeInvalidPhrase = "50105"
)

// envelope OKX 统一响应结构
type envelope struct {
	Code string              `json:"code"`
	Msg  string              `json:"msg"`
	Data jsoniter.RawMessage `json:"data"`
}

// itemResult 批量类接口每一项的结果码
type itemResult struct {
	SCode string `json:"sCode"`
	SMsg  string `json:"sMsg"`
}

// timestamp ISO8601 毫秒时间戳
func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// signedRequest 签名请求，返回 data 字段
// GET 的 requestPath 包含 query；POST 签名 JSON body
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

	requestPath := path
	if query != "" {
		requestPath += "?" + query
	}
	ts := timestamp()
	req.Header.Set("OK-ACCESS-KEY", c.credentials.APIKey())
	req.Header.Set("OK-ACCESS-SIGN", c.credentials.Sign(ts+method+requestPath+string(body)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.credentials.Passphrase())

	raw, err := c.rest.Do(req)
	if err != nil {
		return nil, decodeError(err)
	}
	return unwrap(raw)
}

// publicGet 公共接口
func publicGet(ctx context.Context, rest *exchange.RESTClient, path string, params url.Values) ([]byte, error) {
	raw, err := rest.Get(ctx, path, params)
	if err != nil {
		return nil, decodeError(err)
	}
	return unwrap(raw)
}

// unwrap 检查 code 并返回 data；业务错误以 HTTP 200 返回
func unwrap(raw []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Code == "0" || env.Code == "" {
		return env.Data, nil
	}
	apiErr := &exchange.APIError{Exchange: model.ExchangeOKX, Status: http.StatusOK, Code: env.Code, Message: env.Msg}
	// 下单类接口 code=1 时具体原因在 data[0].sCode
	var items []itemResult
	if json.Unmarshal(env.Data, &items) == nil && len(items) > 0 && items[0].SCode != "" && items[0].SCode != "0" {
		apiErr.Code = items[0].SCode
		apiErr.Message = items[0].SMsg
	}
	return nil, apiErr
}

// decodeError 非 2xx 响应体中同样带 code/msg
func decodeError(err error) error {
	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var env envelope
	if json.UnmarshalFromString(apiErr.Message, &env) == nil && env.Code != "" {
		apiErr.Code = env.Code
		apiErr.Message = env.Msg
	}
	return apiErr
}

func hasCode(err error, codes ...string) bool {
	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.Code == c {
			return true
		}
	}
	return false
}

// isAuthError 登录或签名类错误
func isAuthError(err error) bool {
	return hasCode(err, codeLoginFailed, codeInvalidSign, codeInvalidKey, codeInvalidPhrase)
}
