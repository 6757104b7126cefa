package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundarb/internal/application/service"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/websocket"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Orchestrator 开平仓编排
type Orchestrator interface {
	Open(ctx context.Context, req model.OpenPositionRequest) (*model.OpenResult, error)
	OpenSplit(ctx context.Context, req model.SplitOpenRequest) (*model.SplitResult, error)
	Close(ctx context.Context, req model.ClosePositionRequest) (*model.CloseResult, error)
	BatchClose(ctx context.Context, userID string, positionIDs []string) (*model.BatchCloseResult, error)
}

// RateSource 最近一次费率计算结果
type RateSource interface {
	Latest() []model.MarketRate
}

// Connections 私有流连接管理
type Connections interface {
	ConnectUser(ctx context.Context, userID string, exchange model.ExchangeID) error
	DisconnectUser(userID string, exchange model.ExchangeID) error
	UserStatus(userID string) map[model.ExchangeID]websocket.ConnectionStatus
}

// Deps 路由依赖，缺省的依赖对应路由不注册
type Deps struct {
	Orchestrator Orchestrator
	Rates        RateSource
	Connections  Connections
	Exchanges    []model.ExchangeID // 已启用交易所，用于补全连接状态
	Positions    *service.PositionTracker
	Balances     *service.BalanceTracker
	Push         http.HandlerFunc // /ws
}

type server struct {
	deps Deps
}

// NewRouter 注册全部路由
//
//	POST   /positions/open
//	POST   /positions/open/split
//	POST   /positions/close
//	POST   /positions/close/batch
//	GET    /rates
//	GET    /accounts/{userId}
//	GET    /connections/{userId}
//	POST   /connections/{userId}/{exchange}
//	DELETE /connections/{userId}/{exchange}
//	GET    /ws?userId=
//	GET    /metrics
//	GET    /healthz
func NewRouter(deps Deps) *mux.Router {
	s := &server{deps: deps}
	r := mux.NewRouter()
	r.Use(recovery)
	r.Use(logging)

	if deps.Orchestrator != nil {
		r.HandleFunc("/positions/open", s.openPosition).Methods(http.MethodPost)
		r.HandleFunc("/positions/open/split", s.openSplit).Methods(http.MethodPost)
		r.HandleFunc("/positions/close", s.closePosition).Methods(http.MethodPost)
		r.HandleFunc("/positions/close/batch", s.batchClose).Methods(http.MethodPost)
	}
	if deps.Rates != nil {
		r.HandleFunc("/rates", s.rates).Methods(http.MethodGet)
	}
	if deps.Positions != nil || deps.Balances != nil {
		r.HandleFunc("/accounts/{userId}", s.account).Methods(http.MethodGet)
	}
	if deps.Connections != nil {
		r.HandleFunc("/connections/{userId}", s.connectionStatus).Methods(http.MethodGet)
		r.HandleFunc("/connections/{userId}/{exchange}", s.connect).Methods(http.MethodPost)
		r.HandleFunc("/connections/{userId}/{exchange}", s.disconnect).Methods(http.MethodDelete)
	}
	if deps.Push != nil {
		r.HandleFunc("/ws", deps.Push).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}
