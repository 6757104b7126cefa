package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

const (
	// DefaultRESTURL REST 地址
	DefaultRESTURL = "https://www.okx.com"
	// DefaultWSURL 私有频道
	DefaultWSURL = "wss://ws.okx.com:8443/ws/v5/private"
)

// ===== Credentials 凭证 =====

// Credentials 包含 OKX API 凭证和签名方法
type Credentials struct {
	apiKey     string
	apiSecret  string
	passphrase string
}

// NewCredentials 创建凭证对象
func NewCredentials(apiKey, apiSecret, passphrase string) *Credentials {
	return &Credentials{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
	}
}

// Sign 生成 OKX HMAC-SHA256 签名
// OKX 签名: BASE64(HMAC-SHA256(timestamp + method + requestPath + body, secretKey))
func (c *Credentials) Sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// APIKey 返回 API Key
func (c *Credentials) APIKey() string {
	return c.apiKey
}

// Passphrase 返回 Passphrase
func (c *Credentials) Passphrase() string {
	return c.passphrase
}

// APIClient 封装访问 OKX REST API 所需的共享依赖
type APIClient struct {
	credentials *Credentials
	rest        *exchange.RESTClient
}

func newAPIClient(cred model.Credential, opts exchange.Options) *APIClient {
	return &APIClient{
		credentials: NewCredentials(cred.APIKey, cred.APISecret, cred.Passphrase),
		rest:        exchange.NewRESTClient(model.ExchangeOKX, restURL(opts), opts.RateLimitRPS),
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

// instrumentResp 合约信息（ctVal 为每张合约对应的币数量）
type instrumentResp struct {
	InstID string `json:"instId"`
	CtVal  string `json:"ctVal"`
	LotSz  string `json:"lotSz"`
}

// newContractSizes 从公共接口查询合约面值
func newContractSizes(rest *exchange.RESTClient) *exchange.ContractSizes {
	return exchange.NewContractSizes(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		params := url.Values{}
		params.Set("instType", "SWAP")
		params.Set("instId", exchange.DashSwap.ToExchange(symbol))
		data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
			return publicGet(ctx, rest, "/api/v5/public/instruments", params)
		})
		if err != nil {
			return decimal.Zero, fmt.Errorf("okx instrument %s: %w", symbol, err)
		}
		var rows []instrumentResp
		if err := json.Unmarshal(data, &rows); err != nil {
			return decimal.Zero, fmt.Errorf("parse okx instrument: %w", err)
		}
		if len(rows) == 0 {
			return decimal.Zero, fmt.Errorf("okx instrument %s not found", symbol)
		}
		return exchange.Dec(rows[0].CtVal), nil
	})
}
