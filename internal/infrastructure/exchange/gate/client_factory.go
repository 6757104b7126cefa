package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

const (
	// DefaultRESTURL REST 地址（路径统一带 /api/v4 前缀）
	DefaultRESTURL = "https://api.gateio.ws"
	// DefaultWSURL USDT 永续
	DefaultWSURL = "wss://fx-ws.gateio.ws/v4/ws/usdt"

	apiPrefix = "/api/v4"
	settle    = "usdt"
)

// ===== Credentials 凭证 =====

// Credentials 包含 Gate API 凭证和签名方法
type Credentials struct {
	apiKey    string
	apiSecret string
}

// NewCredentials 创建凭证对象
func NewCredentials(apiKey, apiSecret string) *Credentials {
	return &Credentials{apiKey: apiKey, apiSecret: apiSecret}
}

// Sign HEX(HMAC-SHA512(secret, data))
func (c *Credentials) Sign(data string) string {
	h := hmac.New(sha512.New, []byte(c.apiSecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// APIKey 返回 API Key
func (c *Credentials) APIKey() string {
	return c.apiKey
}

// bodyHash HEX(SHA512(body))，空 body 同样参与
func bodyHash(body []byte) string {
	sum := sha512.Sum512(body)
	return hex.EncodeToString(sum[:])
}

// signPayload method\npath\nquery\nbodyHash\ntimestamp
func signPayload(method, path, query string, body []byte, ts string) string {
	return strings.Join([]string{method, path, query, bodyHash(body), ts}, "\n")
}

// APIClient 封装签名请求所需的共享依赖
type APIClient struct {
	credentials *Credentials
	rest        *exchange.RESTClient
}

func newAPIClient(cred model.Credential, opts exchange.Options) *APIClient {
	return &APIClient{
		credentials: NewCredentials(cred.APIKey, cred.APISecret),
		rest:        exchange.NewRESTClient(model.ExchangeGate, restURL(opts), opts.RateLimitRPS),
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

func futuresPath(p string) string {
	return apiPrefix + "/futures/" + settle + p
}

// ContractResp 合约信息（同时携带资金费率与标记价格）
type ContractResp struct {
	Name             string `json:"name"`
	QuantoMultiplier string `json:"quanto_multiplier"`
	MarkPrice        string `json:"mark_price"`
	FundingRate      string `json:"funding_rate"`
	FundingInterval  int64  `json:"funding_interval"`   // 秒
	FundingNextApply int64  `json:"funding_next_apply"` // 秒
	InDelisting      bool   `json:"in_delisting"`
	OrderSizeMin     int64  `json:"order_size_min"`
}

func getContract(ctx context.Context, rest *exchange.RESTClient, symbol string) (*ContractResp, error) {
	body, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		b, err := rest.Get(ctx, futuresPath("/contracts/"+exchange.Underscore.ToExchange(symbol)), nil)
		return b, decodeError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("gate contract %s: %w", symbol, err)
	}
	var c ContractResp
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("parse gate contract: %w", err)
	}
	return &c, nil
}

func newContractSizes(rest *exchange.RESTClient) *exchange.ContractSizes {
	return exchange.NewContractSizes(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		c, err := getContract(ctx, rest, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		return exchange.Dec(c.QuantoMultiplier), nil
	})
}
