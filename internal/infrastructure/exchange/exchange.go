package exchange

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/metrics"
)

// JSON 适配器统一使用的编解码器
// 字段名区分大小写：币安系推送里 "e"/"E"、"x"/"X"、"s"/"S" 是不同字段
var JSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	CaseSensitive:          true,
}.Froze()

// APIError 交易所 REST 返回的错误
// Status 为 HTTP 状态码；业务错误在 200 响应体里返回时 Status 为 200
type APIError struct {
	Exchange model.ExchangeID
	Status   int
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s api error: http %d code %s: %s", e.Exchange, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error: http %d: %s", e.Exchange, e.Status, e.Message)
}

// Rejected 交易所明确拒绝（请求确定未生效）
func (e *APIError) Rejected() bool {
	return e.Status == http.StatusOK || (e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests)
}

// Auth 鉴权类错误
func (e *APIError) Auth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// IsRejected err 是否为交易所明确拒绝
func IsRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Rejected()
}

// ===== REST =====

// RESTClient 带限流的 REST 基础客户端
type RESTClient struct {
	Exchange model.ExchangeID
	BaseURL  string
	HTTP     *http.Client
	limiter  *rate.Limiter
}

// NewRESTClient 创建 REST 客户端，rps<=0 表示不限流
func NewRESTClient(exchange model.ExchangeID, baseURL string, rps float64) *RESTClient {
	c := &RESTClient{
		Exchange: exchange,
		BaseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

// Do 发送请求并读取响应体；非 2xx 返回 *APIError
func (c *RESTClient) Do(req *http.Request) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Exchange: c.Exchange, Status: resp.StatusCode, Message: truncate(string(body), 512)}
	}
	return body, nil
}

// Get 公共 GET 请求
func (c *RESTClient) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	var query string
	if params != nil {
		query = params.Encode()
	}
	endpoint, err := BuildQueryURL(c.BaseURL, path, query)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// NewRequest 构造带 body 的请求
func (c *RESTClient) NewRequest(ctx context.Context, method, path, query string, body []byte) (*http.Request, error) {
	endpoint, err := BuildQueryURL(c.BaseURL, path, query)
	if err != nil {
		return nil, err
	}
	var r io.Reader
	if len(body) > 0 {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, r)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// ===== Retry =====

// DefaultReadAttempts 幂等读请求默认重试次数
const DefaultReadAttempts = 3

// DefaultReadBackoff 固定重试间隔
const DefaultReadBackoff = 300 * time.Millisecond

// RetryRead 幂等读请求的有限重试（固定间隔）；交易所明确拒绝时不重试
func RetryRead[T any](ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = DefaultReadAttempts
	}
	var (
		zero    T
		lastErr error
	)
	for i := 0; i < attempts; i++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if IsRejected(err) || errors.Is(err, port.ErrOrderNotFound) || ctx.Err() != nil {
			break
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return zero, lastErr
}

// LookupTimeout 结果不确定时补查订单的时限
const LookupTimeout = 10 * time.Second

// PlaceOnce 下单：失败时不盲目重试
// 交易所明确拒绝直接返回；结果不确定时先按 clientOrderID 查询，查不到才重新提交一次
// 补查不受调用方取消影响；仍无法确认时返回 *port.UnknownOrderError
func PlaceOnce(
	ctx context.Context,
	exchange model.ExchangeID,
	clientOrderID string,
	place func(context.Context) (*port.OrderResult, error),
	lookup func(context.Context) (*port.OrderResult, error),
) (*port.OrderResult, error) {
	res, err := place(ctx)
	if err == nil {
		return res, nil
	}
	if IsRejected(err) {
		return nil, err
	}

	log.Warn().
		Str("exchange", string(exchange)).
		Str("client_order_id", clientOrderID).
		Err(err).
		Msg("order placement outcome unknown, querying")

	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), LookupTimeout)
	found, lerr := RetryRead(lctx, DefaultReadAttempts, DefaultReadBackoff, lookup)
	cancel()
	switch {
	case lerr == nil:
		log.Info().
			Str("exchange", string(exchange)).
			Str("client_order_id", clientOrderID).
			Str("order_id", found.OrderID).
			Msg("order found after ambiguous placement")
		return found, nil
	case errors.Is(lerr, port.ErrOrderNotFound):
		if ctx.Err() != nil {
			// 订单确认不存在，调用方已放弃
			return nil, err
		}
		return place(ctx)
	default:
		log.Error().
			Str("exchange", string(exchange)).
			Str("client_order_id", clientOrderID).
			Err(lerr).
			Msg("order state unknown after lookup")
		return nil, &port.UnknownOrderError{Exchange: exchange, ClientOrderID: clientOrderID, Err: errors.Join(err, lerr)}
	}
}

// NewClientOrderID 生成客户端订单号（去掉连字符，部分交易所限制 32 位）
func NewClientOrderID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	s := prefix + id
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

// ===== Wire helpers =====

// IsGzip 是否以 GZIP 魔数开头
func IsGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// Gunzip 解压 GZIP 帧
func Gunzip(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// LooksLikeJSON 去掉空白后是否以 { 或 [ 开头
func LooksLikeJSON(b []byte) bool {
	t := BytesTrimSpace(b)
	return len(t) > 0 && (t[0] == '{' || t[0] == '[')
}

// BytesTrimSpace trims whitespace from byte slice
func BytesTrimSpace(b []byte) []byte {
	i := 0
	j := len(b) - 1
	for i <= j && (b[i] == ' ' || b[i] == '\n' || b[i] == '\r' || b[i] == '\t') {
		i++
	}
	for j >= i && (b[j] == ' ' || b[j] == '\n' || b[j] == '\r' || b[j] == '\t') {
		j--
	}
	if i > j {
		return []byte{}
	}
	return b[i : j+1]
}

// Dec 宽松解析数值字符串，空串或非法值返回 0
func Dec(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Num 宽松数值字段：兼容字符串、数字、空串和 null
type Num struct {
	decimal.Decimal
}

func (n *Num) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(BytesTrimSpace(b)), `"`)
	if s == "" || s == "null" {
		n.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	n.Decimal = d
	return nil
}

// MillisTime 毫秒时间戳转时间，0 返回 nil
func MillisTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

// BuildQueryURL builds a URL with query parameters
func BuildQueryURL(base, path, query string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "", errors.New("base url is empty")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = path
	u.RawQuery = query
	return u.String(), nil
}

// DropMalformed 记录并丢弃无法解析的帧
func DropMalformed(exchange model.ExchangeID, data []byte, err error) {
	metrics.WSDroppedMessages.WithLabelValues(string(exchange)).Inc()
	log.Warn().
		Str("exchange", string(exchange)).
		Str("frame", truncate(string(data), 256)).
		Err(err).
		Msg("dropping malformed ws message")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ConnectFailure 转换为 *model.ConnectError；HTTP 401/403 或 auth=true 视为鉴权失败
func ConnectFailure(exchange model.ExchangeID, err error, auth bool) error {
	if err == nil {
		return nil
	}
	var ce *model.ConnectError
	if errors.As(err, &ce) {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Auth() {
		auth = true
	}
	return &model.ConnectError{Exchange: exchange, Auth: auth, Err: err}
}
