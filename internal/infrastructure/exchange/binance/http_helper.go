package binance

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

var json = exchange.JSON

// Binance 错误码
const (
	codeUnknownOrder    = -2013 // Order does not exist
	codeInvalidKeyPerms = -2015 // Invalid API-key, IP, or permissions for action
	codeUnauthorized    = -2014
)

type errorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// signedRequest is shared helper for signed REST calls.
func (c *APIClient) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if params.Get("recvWindow") == "" {
		params.Set("recvWindow", "5000")
	}

	query := params.Encode()
	query += "&signature=" + c.credentials.Sign(query)

	req, err := c.rest.NewRequest(ctx, method, path, query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.credentials.APIKey())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.rest.Do(req)
	return body, decodeError(err)
}

// keyRequest 仅需 API Key 的请求（listenKey）
func (c *APIClient) keyRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	var query string
	if params != nil {
		query = params.Encode()
	}
	req, err := c.rest.NewRequest(ctx, method, path, query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.credentials.APIKey())
	body, err := c.rest.Do(req)
	return body, decodeError(err)
}

// decodeError 从响应体中提取 Binance 错误码
func decodeError(err error) error {
	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var eb errorBody
	if json.UnmarshalFromString(apiErr.Message, &eb) == nil && eb.Code != 0 {
		apiErr.Code = strconv.Itoa(eb.Code)
		apiErr.Message = eb.Msg
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

// needsPortfolioFallback 标准合约接口返回鉴权/不存在类错误时，才尝试统一账户接口
func needsPortfolioFallback(err error) bool {
	if hasCode(err, codeInvalidKeyPerms, codeUnauthorized) {
		return true
	}
	var apiErr *exchange.APIError
	return errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusNotFound)
}

// detectAccountMode 先探测标准合约接口，特定错误时回退到统一账户接口
func detectAccountMode(ctx context.Context, cred model.Credential, opts exchange.Options) (exchange.AccountMode, error) {
	std := newAPIClient(cred, restURL(opts), opts.RateLimitRPS, false)
	_, err := std.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err == nil {
		return exchange.AccountStandard, nil
	}
	if !needsPortfolioFallback(err) {
		return exchange.AccountStandard, err
	}

	pm := newAPIClient(cred, portfolioURL(opts), opts.RateLimitRPS, true)
	if _, perr := pm.signedRequest(ctx, http.MethodGet, "/papi/v1/balance", nil); perr != nil {
		log.Debug().Str("exchange", "binance").Err(perr).Msg("portfolio margin detection failed")
		return exchange.AccountStandard, err
	}
	log.Info().Str("exchange", "binance").Str("key_prefix", cred.KeyPrefix()).Msg("portfolio margin account detected")
	return exchange.AccountPortfolioMargin, nil
}

// resolveMode 带缓存的账户类型探测
func resolveMode(ctx context.Context, cred model.Credential, opts exchange.Options) (exchange.AccountMode, error) {
	detect := func(ctx context.Context) (exchange.AccountMode, error) {
		return detectAccountMode(ctx, cred, opts)
	}
	if opts.ModeCache == nil {
		return detect(ctx)
	}
	return opts.ModeCache.Get(ctx, model.ExchangeBinance, cred.KeyPrefix(), detect)
}

// newClientForMode 按账户类型创建签名客户端
func newClientForMode(cred model.Credential, opts exchange.Options, mode exchange.AccountMode) *APIClient {
	if mode == exchange.AccountPortfolioMargin {
		return newAPIClient(cred, portfolioURL(opts), opts.RateLimitRPS, true)
	}
	return newAPIClient(cred, restURL(opts), opts.RateLimitRPS, false)
}
