package bingx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

const (
	// DefaultRESTURL 永续 REST
	DefaultRESTURL = "https://open-api.bingx.com"
	// DefaultWSURL 账户推送（所有帧 GZIP 压缩）
	DefaultWSURL = "wss://open-api-swap.bingx.com/swap-market"
)

// ===== Credentials 凭证 =====

// Credentials 包含 BingX API 凭证和签名方法
type Credentials struct {
	apiKey    string
	apiSecret string
}

// NewCredentials 创建凭证对象
func NewCredentials(apiKey, apiSecret string) *Credentials {
	return &Credentials{apiKey: apiKey, apiSecret: apiSecret}
}

// Sign HEX(HMAC-SHA256(secret, query))
func (c *Credentials) Sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// APIKey 返回 API Key
func (c *Credentials) APIKey() string {
	return c.apiKey
}

// APIClient 封装签名请求所需的共享依赖
type APIClient struct {
	credentials *Credentials
	rest        *exchange.RESTClient
}

func newAPIClient(cred model.Credential, opts exchange.Options) *APIClient {
	return &APIClient{
		credentials: NewCredentials(cred.APIKey, cred.APISecret),
		rest:        exchange.NewRESTClient(model.ExchangeBingX, restURL(opts), opts.RateLimitRPS),
	}
}

func restURL(opts exchange.Options) string {
	if opts.RESTURL != "" {
		return opts.RESTURL
	}
	return DefaultRESTURL
}

func wsURL(opts exchange.Options) string {
	if opts.WSURL != "" {
		return opts.WSURL
	}
	return DefaultWSURL
}
