package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

const (
	// DefaultRESTURL U 本位合约
	DefaultRESTURL = "https://fapi.binance.com"
	// DefaultPortfolioURL 统一账户
	DefaultPortfolioURL = "https://papi.binance.com"
	// DefaultWSURL 私有流
	DefaultWSURL = "wss://fstream.binance.com"
)

// ===== Credentials 凭证 =====

// Credentials 包含 API 凭证和签名方法
type Credentials struct {
	apiKey    string
	apiSecret string
}

// NewCredentials 创建凭证对象
func NewCredentials(apiKey, apiSecret string) *Credentials {
	return &Credentials{
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}
}

// Sign 生成 HMAC-SHA256 签名
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
// 统一账户模式下 baseURL 指向 papi，路径也随之切换
type APIClient struct {
	credentials *Credentials
	rest        *exchange.RESTClient
	portfolio   bool
}

func newAPIClient(cred model.Credential, baseURL string, rps float64, portfolio bool) *APIClient {
	return &APIClient{
		credentials: NewCredentials(cred.APIKey, cred.APISecret),
		rest:        exchange.NewRESTClient(model.ExchangeBinance, baseURL, rps),
		portfolio:   portfolio,
	}
}

// path 按账户模式选择接口路径
func (c *APIClient) path(standard, portfolio string) string {
	if c.portfolio {
		return portfolio
	}
	return standard
}

func restURL(opts exchange.Options) string {
	if opts.RESTURL != "" {
		return opts.RESTURL
	}
	return DefaultRESTURL
}

func portfolioURL(opts exchange.Options) string {
	if opts.PortfolioURL != "" {
		return opts.PortfolioURL
	}
	return DefaultPortfolioURL
}

func wsURL(opts exchange.Options) string {
	if opts.WSURL != "" {
		return opts.WSURL
	}
	return DefaultWSURL
}
