package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/service"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/websocket"
)

// OpenRequest POST /positions/open
type OpenRequest struct {
	UserID        string          `json:"userId"`
	Symbol        string          `json:"symbol"`
	LongExchange  string          `json:"longExchange"`
	ShortExchange string          `json:"shortExchange"`
	Quantity      decimal.Decimal `json:"quantity"`
	Leverage      int             `json:"leverage"`
	StopLoss      *float64        `json:"stopLoss,omitempty"`
	TakeProfit    *float64        `json:"takeProfit,omitempty"`
	GroupID       string          `json:"groupId,omitempty"`
	Groups        int             `json:"groups,omitempty"` // 仅分批开仓
}

func (r OpenRequest) toModel() model.OpenPositionRequest {
	return model.OpenPositionRequest{
		UserID:        r.UserID,
		Symbol:        r.Symbol,
		LongExchange:  model.ParseExchange(r.LongExchange),
		ShortExchange: model.ParseExchange(r.ShortExchange),
		Quantity:      r.Quantity,
		Leverage:      r.Leverage,
		StopLoss:      r.StopLoss,
		TakeProfit:    r.TakeProfit,
		GroupID:       r.GroupID,
	}
}

// OpenResponse 开仓结果
type OpenResponse struct {
	PositionID  string                     `json:"positionId"`
	GroupID     string                     `json:"groupId,omitempty"`
	Partial     bool                       `json:"partial"`
	Long        model.LegResult            `json:"long"`
	Short       model.LegResult            `json:"short"`
	Conditional []model.ConditionalOutcome `json:"conditional,omitempty"`
}

func openResponse(res *model.OpenResult) OpenResponse {
	return OpenResponse{
		PositionID:  res.PositionID,
		GroupID:     res.GroupID,
		Partial:     res.Partial,
		Long:        res.Long,
		Short:       res.Short,
		Conditional: res.Conditional,
	}
}

// CloseRequest POST /positions/close
type CloseRequest struct {
	UserID     string `json:"userId"`
	PositionID string `json:"positionId"`
}

// BatchCloseRequest POST /positions/close/batch
type BatchCloseRequest struct {
	UserID      string   `json:"userId"`
	PositionIDs []string `json:"positionIds"`
}

func (s *server) openPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Orchestrator.Open(r.Context(), req.toModel())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, openResponse(res))
}

func (s *server) openSplit(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Orchestrator.OpenSplit(r.Context(), model.SplitOpenRequest{
		OpenPositionRequest: req.toModel(),
		Groups:              req.Groups,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := struct {
		GroupID         string         `json:"groupId"`
		TotalGroups     int            `json:"totalGroups"`
		CompletedGroups int            `json:"completedGroups"`
		Results         []OpenResponse `json:"results"`
	}{GroupID: res.GroupID, TotalGroups: res.TotalGroups, CompletedGroups: res.CompletedGroups}
	for _, g := range res.Results {
		out.Results = append(out.Results, openResponse(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) closePosition(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Orchestrator.Close(r.Context(), model.ClosePositionRequest{UserID: req.UserID, PositionID: req.PositionID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) batchClose(w http.ResponseWriter, r *http.Request) {
	var req BatchCloseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Orchestrator.BatchClose(r.Context(), req.UserID, req.PositionIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) rates(w http.ResponseWriter, r *http.Request) {
	rates := s.deps.Rates.Latest()
	if r.URL.Query().Get("sort") == "return" {
		service.SortByReturn(rates)
	}
	writeJSON(w, http.StatusOK, rates)
}

func (s *server) account(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	out := struct {
		UserID    string                `json:"userId"`
		Positions []model.PositionState `json:"positions"`
		Balances  []model.BalanceState  `json:"balances"`
	}{UserID: userID, Positions: []model.PositionState{}, Balances: []model.BalanceState{}}
	if s.deps.Positions != nil {
		out.Positions = s.deps.Positions.List(userID)
	}
	if s.deps.Balances != nil {
		out.Balances = s.deps.Balances.List(userID)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) connectionStatus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	status := s.deps.Connections.UserStatus(userID)
	out := make(map[model.ExchangeID]websocket.ConnectionStatus, len(status)+len(s.deps.Exchanges))
	for _, ex := range s.deps.Exchanges {
		out[ex] = websocket.StatusDisconnected
	}
	for ex, st := range status {
		out[ex] = st
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "exchanges": out})
}

func (s *server) exchangeVar(r *http.Request) (string, model.ExchangeID, error) {
	vars := mux.Vars(r)
	ex := model.ParseExchange(vars["exchange"])
	if !ex.Known() {
		return "", "", model.ValidationError(model.CodeInvalidRequest, "unknown exchange").WithDetail("exchange", vars["exchange"])
	}
	return vars["userId"], ex, nil
}

func (s *server) connect(w http.ResponseWriter, r *http.Request) {
	userID, ex, err := s.exchangeVar(r)
	if err == nil {
		err = s.deps.Connections.ConnectUser(r.Context(), userID, ex)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "exchange": ex, "status": websocket.StatusConnected})
}

func (s *server) disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ex, err := s.exchangeVar(r)
	if err == nil {
		err = s.deps.Connections.DisconnectUser(userID, ex)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "exchange": ex, "status": websocket.StatusDisconnected})
}
