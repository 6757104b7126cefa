package mexc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

const (
	// DefaultRESTURL 合约 REST
	DefaultRESTURL = "https://contract.mexc.com"
	// DefaultWSURL 合约 WS（公共与私有共用，登录后推送私有数据）
	DefaultWSURL = "wss://contract.mexc.com/edge"
)

// ===== Credentials 凭证 =====

// Credentials 包含 MEXC API 凭证和签名方法
type Credentials struct {
	apiKey    string
	apiSecret string
}

// NewCredentials 创建凭证对象
func NewCredentials(apiKey, apiSecret string) *Credentials {
	return &Credentials{apiKey: apiKey, apiSecret: apiSecret}
}

// Sign HEX(HMAC-SHA256(secret, apiKey + reqTime + paramString))
func (c *Credentials) Sign(reqTime, paramString string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(c.apiKey + reqTime + paramString))
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
		rest:        exchange.NewRESTClient(model.ExchangeMEXC, restURL(opts), opts.RateLimitRPS),
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

// contractDetail 合约详情
type contractDetail struct {
	Symbol       string       `json:"symbol"`
	ContractSize exchange.Num `json:"contractSize"`
	QuoteCoin    string       `json:"quoteCoin"`
}

func newContractSizes(rest *exchange.RESTClient) *exchange.ContractSizes {
	return exchange.NewContractSizes(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		params := url.Values{}
		params.Set("symbol", exchange.Underscore.ToExchange(symbol))
		data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
			return publicGet(ctx, rest, "/api/v1/contract/detail", params)
		})
		if err != nil {
			return decimal.Zero, fmt.Errorf("mexc contract %s: %w", symbol, err)
		}
		var d contractDetail
		if err := json.Unmarshal(data, &d); err != nil {
			return decimal.Zero, fmt.Errorf("parse mexc contract: %w", err)
		}
		return d.ContractSize.Decimal, nil
	})
}
