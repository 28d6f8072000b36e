// Package server exposes the HTTP/JSON API: redemption submission,
// price and balance queries, and token-gated admin operations.
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"OptionLedger/internal/core"
	"OptionLedger/internal/event"
	"OptionLedger/internal/exercise"
	"OptionLedger/internal/fixedpoint"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/oracle"
	"OptionLedger/internal/persistence"
	"OptionLedger/internal/projection"
	"OptionLedger/internal/query"
	"OptionLedger/internal/strategy"
	"OptionLedger/internal/token"
)

// Deps holds everything the HTTP services need.
type Deps struct {
	Engine        *core.Engine
	QueryService  *query.QueryService
	DB            *sql.DB
	SnapshotMgr   *persistence.SnapshotManager
	Sequencer     *SourceSequencer
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger

	// AdminToken gates the /v1/admin routes. Empty disables them.
	AdminToken string
	// AdminAddr is stamped as the caller on admin events so the
	// engine's address checks pass.
	AdminAddr common.Address
}

// HTTPServer serves the JSON API.
type HTTPServer struct {
	server *http.Server
	deps   *Deps
	log    zerolog.Logger
}

func NewHTTPServer(addr string, deps *Deps) *HTTPServer {
	s := &HTTPServer{deps: deps, log: deps.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if deps.HealthChecker != nil {
		r.Get("/healthz", deps.HealthChecker.LivenessHandler)
		r.Get("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.observeRequests)
		r.Post("/exercise", s.handleExercise)
		r.Get("/price", s.handlePrice)
		r.Get("/balance", s.handleBalance)
		r.Get("/supply", s.handleSupply)
		r.Get("/settlements", s.handleSettlements)
		r.Get("/journal", s.handleJournal)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdminToken)
			r.Post("/options", s.handleRegisterOption)
			r.Post("/options/{id}/status", s.handleOptionStatus)
			r.Post("/options/{id}/oracle", s.handleSetOracle)
			r.Post("/options/{id}/treasury", s.handleSetTreasury)
			r.Post("/oracles/{id}/params", s.handleOracleParams)
			r.Post("/projections/rebuild", s.handleRebuildProjections)
			r.Get("/integrity", s.handleIntegrity)
			r.Get("/eventlog", s.handleEventLogInfo)
		})
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// observeRequests records per-route request counts, latency, and error
// codes. The route pattern is resolved after the handler runs so path
// parameters collapse into one label value.
func (s *HTTPServer) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		status := strconv.Itoa(ww.Status())
		s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
		s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if ww.Status() >= http.StatusInternalServerError {
			s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, status).Inc()
		}
	})
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- redemption ---

type exerciseRequest struct {
	Caller           string  `json:"caller"`
	Recipient        string  `json:"recipient,omitempty"`
	OptionID         uint64  `json:"option_id"`
	Amount           string  `json:"amount"`
	MaxPaymentAmount string  `json:"max_payment_amount"`
	DeadlineUs       *int64  `json:"deadline_us,omitempty"`
	RequestID        *string `json:"request_id,omitempty"`
}

type exerciseResponse struct {
	RequestID  string               `json:"request_id"`
	Sequence   int64                `json:"sequence"`
	Duplicate  bool                 `json:"duplicate"`
	Settlement *strategy.Settlement `json:"settlement,omitempty"`
}

func (s *HTTPServer) handleExercise(w http.ResponseWriter, r *http.Request) {
	var req exerciseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	if !common.IsHexAddress(req.Caller) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid caller %q", req.Caller))
		return
	}
	caller := common.HexToAddress(req.Caller)
	recipient := caller
	if req.Recipient != "" {
		if !common.IsHexAddress(req.Recipient) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid recipient %q", req.Recipient))
			return
		}
		recipient = common.HexToAddress(req.Recipient)
	}

	amount, err := parseWad(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("amount: %w", err))
		return
	}
	maxPayment, err := parseWad(req.MaxPaymentAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("max_payment_amount: %w", err))
		return
	}

	// Clients may supply their own request id to retry safely; the
	// engine dedupes on it.
	requestID := uuid.New()
	if req.RequestID != nil {
		requestID, err = uuid.Parse(*req.RequestID)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("request_id: %w", err))
			return
		}
	}

	var deadline *time.Time
	if req.DeadlineUs != nil {
		d := time.UnixMicro(*req.DeadlineUs)
		deadline = &d
	}

	evt := &event.ExerciseRequested{
		RequestID:        requestID,
		Caller:           caller,
		Recipient:        recipient,
		OptionID:         req.OptionID,
		Amount:           amount,
		Params:           strategy.EncodeRedeemParams(maxPayment),
		Deadline:         deadline,
		RequestSequence:  s.deps.Sequencer.Next(fmt.Sprintf("option:%d", req.OptionID)),
		RequestTimestamp: time.Now(),
	}

	result, err := s.deps.Engine.Submit(r.Context(), evt)
	if err != nil {
		writeError(w, exerciseStatus(err), err)
		return
	}

	resp := exerciseResponse{
		RequestID: requestID.String(),
		Sequence:  result.Sequence,
		Duplicate: result.Duplicate,
	}
	if len(result.Settlement) > 0 {
		settlement, err := strategy.DecodeSettlement(result.Settlement)
		if err == nil {
			resp.Settlement = settlement
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// exerciseStatus maps settlement failures to HTTP codes.
func exerciseStatus(err error) int {
	switch {
	case errors.Is(err, exercise.ErrNotOption):
		return http.StatusNotFound
	case errors.Is(err, exercise.ErrOptionInactive),
		errors.Is(err, exercise.ErrPastDeadline),
		errors.Is(err, strategy.ErrSlippage),
		errors.Is(err, token.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrOracleNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// --- queries ---

func (s *HTTPServer) handlePrice(w http.ResponseWriter, r *http.Request) {
	oracleID := r.URL.Query().Get("oracle")
	if oracleID == "" {
		writeError(w, http.StatusBadRequest, errors.New("oracle query parameter is required"))
		return
	}

	o, ok := s.deps.Engine.Oracle(oracleID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown oracle %q", oracleID))
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.OracleQueries.WithLabelValues(oracleID).Inc()
	}

	now := time.Now()
	price, err := o.Price(now)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, oracle.ErrOracleNotReady) {
			status = http.StatusServiceUnavailable
			if s.deps.Metrics != nil {
				s.deps.Metrics.OracleNotReady.WithLabelValues(oracleID).Inc()
			}
		}
		writeError(w, status, err)
		return
	}
	if s.deps.Metrics != nil {
		f, _ := new(big.Float).SetInt(price).Float64()
		s.deps.Metrics.OracleLastPrice.WithLabelValues(oracleID).Set(f)
	}

	params := o.Params()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"oracle":         oracleID,
		"price":          price.String(),
		"multiplier_bps": params.MultiplierBps,
		"as_of_us":       now.UnixMicro(),
	})
}

func (s *HTTPServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	asset := r.URL.Query().Get("asset")
	if !common.IsHexAddress(account) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account %q", account))
		return
	}

	bal, err := s.deps.QueryService.GetBalance(r.Context(), common.HexToAddress(account), asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *HTTPServer) handleSupply(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	supply, err := s.deps.QueryService.GetSupply(r.Context(), asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, supply)
}

func (s *HTTPServer) handleSettlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var caller *common.Address
	if v := q.Get("caller"); v != "" {
		if !common.IsHexAddress(v) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid caller %q", v))
			return
		}
		a := common.HexToAddress(v)
		caller = &a
	}

	var optionID *int64
	if v := q.Get("option_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("option_id: %w", err))
			return
		}
		optionID = &id
	}

	limit := parseLimit(q.Get("limit"), 50, 500)
	before := parseCursor(q.Get("before"))

	results, err := s.deps.QueryService.GetSettlements(r.Context(), caller, optionID, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settlements": results})
}

func (s *HTTPServer) handleJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	account := q.Get("account")
	if !common.IsHexAddress(account) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account %q", account))
		return
	}

	limit := parseLimit(q.Get("limit"), 100, 500)
	before := parseCursor(q.Get("before"))

	entries, err := s.deps.QueryService.GetJournalHistory(r.Context(), common.HexToAddress(account), limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

// --- admin ---

func (s *HTTPServer) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := s.deps.AdminToken
		if adminToken == "" {
			writeError(w, http.StatusForbidden, errors.New("admin API disabled"))
			return
		}
		got := r.Header.Get("Authorization")
		want := "Bearer " + adminToken
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type registerOptionRequest struct {
	Kind     string `json:"kind"`
	OracleID string `json:"oracle_id,omitempty"`
	Price    string `json:"price,omitempty"`
	Treasury string `json:"treasury"`
}

func (s *HTTPServer) handleRegisterOption(w http.ResponseWriter, r *http.Request) {
	var req registerOptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !common.IsHexAddress(req.Treasury) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid treasury %q", req.Treasury))
		return
	}

	evt := &event.OptionRegistered{
		RequestID:      uuid.New(),
		Caller:         s.deps.AdminAddr,
		Kind:           event.StrategyKind(req.Kind),
		OracleID:       req.OracleID,
		Treasury:       common.HexToAddress(req.Treasury),
		AdminSequence:  s.deps.Sequencer.Next("global"),
		AdminTimestamp: time.Now(),
	}
	if req.Price != "" {
		price, err := parseWad(req.Price)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("price: %w", err))
			return
		}
		evt.Price = price
	}

	result, err := s.deps.Engine.Submit(r.Context(), evt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"option_id": result.OptionID,
		"sequence":  result.Sequence,
	})
}

func (s *HTTPServer) handleOptionStatus(w http.ResponseWriter, r *http.Request) {
	optionID, err := parseOptionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	evt := &event.OptionStatusChanged{
		RequestID:      uuid.New(),
		Caller:         s.deps.AdminAddr,
		OptionID:       optionID,
		Active:         body.Active,
		AdminSequence:  s.deps.Sequencer.Next(fmt.Sprintf("option:%d", optionID)),
		AdminTimestamp: time.Now(),
	}
	s.submitAdmin(w, r, evt)
}

func (s *HTTPServer) handleSetOracle(w http.ResponseWriter, r *http.Request) {
	optionID, err := parseOptionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		OracleID string `json:"oracle_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	evt := &event.OracleSet{
		RequestID:      uuid.New(),
		Caller:         s.deps.AdminAddr,
		OptionID:       optionID,
		OracleID:       body.OracleID,
		AdminSequence:  s.deps.Sequencer.Next(fmt.Sprintf("option:%d", optionID)),
		AdminTimestamp: time.Now(),
	}
	s.submitAdmin(w, r, evt)
}

func (s *HTTPServer) handleSetTreasury(w http.ResponseWriter, r *http.Request) {
	optionID, err := parseOptionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Treasury string `json:"treasury"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !common.IsHexAddress(body.Treasury) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid treasury %q", body.Treasury))
		return
	}

	evt := &event.TreasurySet{
		RequestID:      uuid.New(),
		Caller:         s.deps.AdminAddr,
		OptionID:       optionID,
		Treasury:       common.HexToAddress(body.Treasury),
		AdminSequence:  s.deps.Sequencer.Next(fmt.Sprintf("option:%d", optionID)),
		AdminTimestamp: time.Now(),
	}
	s.submitAdmin(w, r, evt)
}

type oracleParamsRequest struct {
	MultiplierBps   uint16 `json:"multiplier_bps"`
	WindowSeconds   int64  `json:"window_seconds"`
	LookbackSeconds int64  `json:"lookback_seconds"`
	MinPrice        string `json:"min_price"`
	QuoteInB        bool   `json:"quote_in_b"`
}

func (s *HTTPServer) handleOracleParams(w http.ResponseWriter, r *http.Request) {
	oracleID := chi.URLParam(r, "id")
	var req oracleParamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	minPrice, err := parseWad(req.MinPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("min_price: %w", err))
		return
	}

	evt := &event.OracleParamsUpdated{
		RequestID:       uuid.New(),
		Caller:          s.deps.AdminAddr,
		OracleID:        oracleID,
		MultiplierBps:   req.MultiplierBps,
		WindowSeconds:   req.WindowSeconds,
		LookbackSeconds: req.LookbackSeconds,
		MinPrice:        minPrice,
		QuoteInB:        req.QuoteInB,
		AdminSequence:   s.deps.Sequencer.Next("global"),
		AdminTimestamp:  time.Now(),
	}
	s.submitAdmin(w, r, evt)
}

func (s *HTTPServer) submitAdmin(w http.ResponseWriter, r *http.Request, evt event.Event) {
	result, err := s.deps.Engine.Submit(r.Context(), evt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sequence":  result.Sequence,
		"duplicate": result.Duplicate,
	})
}

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleEventLogInfo(w http.ResponseWriter, r *http.Request) {
	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"last_sequence": latestSeq})
}

// --- helpers ---

func parseOptionID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("option id %q: %w", raw, err)
	}
	return id, nil
}

func parseWad(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, errors.New("missing amount")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", raw)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %q", raw)
	}
	if err := fixedpoint.CheckUint192(v); err != nil {
		return nil, err
	}
	return v, nil
}

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > max {
		return def
	}
	return v
}

func parseCursor(raw string) *int64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
