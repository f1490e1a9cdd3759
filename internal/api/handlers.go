package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/broker"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/engine"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/store"
)

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/brokers", s.handleListBrokers)
	mux.HandleFunc("POST /api/brokers/{name}/connect", s.handleConnect)
	mux.HandleFunc("POST /api/brokers/{name}/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /api/brokers/{name}/balance", s.handleBalance)
	mux.HandleFunc("GET /api/brokers/{name}/positions", s.handlePositions)
	mux.HandleFunc("POST /api/brokers/{name}/positions/{symbol}/close", s.handleClosePosition)
	mux.HandleFunc("GET /api/brokers/{name}/price", s.handlePrice)
	mux.HandleFunc("GET /api/brokers/{name}/leverage", s.handleLeverageInfo)
	mux.HandleFunc("PUT /api/brokers/{name}/leverage", s.handleSetLeverage)
	mux.HandleFunc("GET /api/brokers/{name}/margin-health", s.handleMarginHealth)
	mux.HandleFunc("POST /api/orders", s.handleSubmitOrder)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	return mux
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, broker.ErrValidation), errors.Is(err, engine.ErrRiskRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, broker.ErrOrderNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, broker.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, broker.ErrAuthentication):
		status = http.StatusBadGateway
	case errors.Is(err, broker.ErrUnsupported):
		status = http.StatusNotImplemented
	}
	var rl *broker.RateLimitError
	if errors.As(err, &rl) {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, ErrorJSON{Error: err.Error()})
}

func (s *Server) broker(w http.ResponseWriter, r *http.Request) (broker.Broker, bool) {
	b, err := s.registry.Get(r.PathValue("name"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorJSON{Error: err.Error()})
		return nil, false
	}
	return b, true
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListBrokers(w http.ResponseWriter, _ *http.Request) {
	out := make([]BrokerJSON, 0)
	for _, name := range s.registry.Names() {
		b, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		out = append(out, BrokerJSON{Name: name, State: string(b.State())})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	b, ok := s.broker(w, r)
	if !ok {
		return
	}
	if err := b.Connect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BrokerJSON{Name: b.Name(), State: string(b.State())})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	b, ok := s.broker(w, r)
	if !ok {
		return
	}
	if err := b.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BrokerJSON{Name: b.Name(), State: string(b.State())})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	b, ok := s.broker(w, r)
	if !ok {
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = "USD"
	}
	bal, err := b.GetBalance(r.Context(), currency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	b, ok := s.broker(w, r)
	if !ok {
		return
	}
	positions, err := b.GetPositions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	b, ok := s.broker(w, r)
	if !ok {
		return
	}
	order, err := b.ClosePosition(r.Context(), r.PathValue("symbol"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	b, ok := s.broker(w, r)
	if !ok {
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, ErrorJSON{Error: "symbol query parameter required"})
		return
	}
	quote, err := b.GetCurrentPrice(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleLeverageInfo(w http.ResponseWriter, r *http.Request) {
	b, ok := s.broker(w, r)
	if !ok {
		return
	}
	symbol := r.URL.Query().Get("symbol")
	info, err := b.GetLeverageInfo(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSetLeverage(w http.ResponseWriter, r *http.Request) {
	b, ok := s.broker(w, r)
	if !ok {
		return
	}
	var body SetLeverageJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorJSON{Error: "invalid JSON body"})
		return
	}
	marginType := domain.MarginType(body.MarginType)
	if marginType == "" {
		marginType = domain.MarginTypeIsolated
	}
	result, err := b.SetLeverage(r.Context(), body.Symbol, body.Leverage, marginType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMarginHealth(w http.ResponseWriter, r *http.Request) {
	b, ok := s.broker(w, r)
	if !ok {
		return
	}
	ratio, err := b.GetMarginHealthRatio(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"health_ratio": ratio})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var body SubmitOrderJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorJSON{Error: "invalid JSON body"})
		return
	}
	if body.Broker == "" {
		writeJSON(w, http.StatusBadRequest, ErrorJSON{Error: "broker field required"})
		return
	}
	order, err := s.engine.SubmitOrder(r.Context(), body.Broker, body.Request())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	status := domain.OrderStatus(r.URL.Query().Get("status"))
	orders, err := s.engine.ListOrders(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}
