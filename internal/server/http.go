package server

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LoopEngine/internal/engine"
	"LoopEngine/internal/observability"
	"LoopEngine/internal/persistence"
	"LoopEngine/internal/publish"
	"LoopEngine/internal/wad"
)

// callerHeader names the account an operation runs for. A gateway in front
// of this service is expected to authenticate and set it.
const callerHeader = "X-Caller"

// SimAdmin is the operator surface of the simulated market: funding
// accounts, moving the oracle, and managing grants toward the engine.
type SimAdmin interface {
	Mint(asset, account string, amount *big.Int)
	SetAuthorization(owner string, granted bool)
	ApproveDelegation(owner string, amount *big.Int)
	SetRate(rate *big.Int) error
}

// Server exposes the engine over HTTP and records completed operations to
// the audit channels.
type Server struct {
	engine  *engine.Engine
	admin   SimAdmin
	metrics *observability.Metrics
	health  *observability.HealthChecker
	audit   *persistence.OperationWriter

	persistChan chan<- persistence.OperationRow
	publishChan chan<- publish.OperationEvent

	log    zerolog.Logger
	router http.Handler
}

// Deps carries the server's collaborators. Audit, persist and publish are
// optional; a nil channel just skips that sink.
type Deps struct {
	Engine      *engine.Engine
	Admin       SimAdmin
	Metrics     *observability.Metrics
	Health      *observability.HealthChecker
	Audit       *persistence.OperationWriter
	PersistChan chan<- persistence.OperationRow
	PublishChan chan<- publish.OperationEvent
	Logger      zerolog.Logger
}

func New(deps Deps) *Server {
	s := &Server{
		engine:      deps.Engine,
		admin:       deps.Admin,
		metrics:     deps.Metrics,
		health:      deps.Health,
		audit:       deps.Audit,
		persistChan: deps.PersistChan,
		publishChan: deps.PublishChan,
		log:         deps.Logger.With().Str("component", "http").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Route("/v1", func(api chi.Router) {
		api.Post("/positions/open", s.OpenPosition)
		api.Post("/positions/close", s.ClosePosition)
		api.Post("/positions/authorize", s.Authorize)
		api.Post("/positions/delegate", s.Delegate)
		api.Get("/positions/{owner}/preview", s.PreviewOpen)
		api.Get("/positions/{owner}/health", s.HealthFactor)
		api.Get("/positions/{owner}/operations", s.Operations)
		api.Get("/engine/max-leverage", s.MaxLeverage)

		api.Post("/admin/pause", s.Pause)
		api.Post("/admin/unpause", s.Unpause)
		api.Post("/admin/fund", s.Fund)
		api.Post("/admin/rate", s.SetRate)
	})

	if s.health != nil {
		r.Get("/healthz", s.health.LivenessHandler)
		r.Get("/readyz", s.health.ReadinessHandler)
	}
	return r
}

// observe records request counts and latency per route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// statusForKind maps engine error kinds to HTTP statuses.
func statusForKind(kind string) int {
	switch kind {
	case "invalid_parameters", "insufficient_deposit", "invalid_caller":
		return http.StatusBadRequest
	case "authorization_not_granted", "insufficient_delegation", "unauthorized":
		return http.StatusForbidden
	case "no_debt_position":
		return http.StatusNotFound
	case "unsafe_leverage", "insufficient_swap_output":
		return http.StatusUnprocessableEntity
	case "reentrant_call":
		return http.StatusConflict
	case "paused":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := engine.Kind(err)
	s.writeJSON(w, statusForKind(kind), map[string]string{
		"error": err.Error(),
		"kind":  kind,
	})
}

func (s *Server) caller(r *http.Request) string {
	return r.Header.Get(callerHeader)
}

func parseAmount(s string) (*big.Int, error) {
	return wad.Parse(s)
}

type openRequest struct {
	Deposit  string `json:"deposit"`
	Leverage string `json:"leverage"`
}

type positionResponse struct {
	Owner            string `json:"owner"`
	Collateral       string `json:"collateral"`
	Debt             string `json:"debt"`
	LoanAmount       string `json:"loan_amount"`
	RealizedLeverage string `json:"realized_leverage,omitempty"`
	HealthFactor     string `json:"health_factor,omitempty"`
	HealthUnbounded  bool   `json:"health_unbounded,omitempty"`
}

func positionToResponse(p *engine.PositionSummary) positionResponse {
	resp := positionResponse{
		Owner:           p.Owner,
		Collateral:      p.Collateral.String(),
		Debt:            p.Debt.String(),
		LoanAmount:      p.LoanAmount.String(),
		HealthUnbounded: p.HealthUnbounded,
	}
	if p.RealizedLeverage != nil {
		resp.RealizedLeverage = wad.Format(p.RealizedLeverage)
	}
	if p.HealthFactor != nil {
		resp.HealthFactor = wad.Format(p.HealthFactor)
	}
	return resp
}

// OpenPosition handles POST /v1/positions/open.
func (s *Server) OpenPosition(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)
	if caller == "" {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + callerHeader})
		return
	}

	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	deposit, err := parseAmount(req.Deposit)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid deposit: " + err.Error()})
		return
	}
	leverage, err := parseAmount(req.Leverage)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid leverage: " + err.Error()})
		return
	}

	start := time.Now()
	if s.metrics != nil {
		s.metrics.OperationsStarted.WithLabelValues(string(engine.KindOpen)).Inc()
	}

	summary, err := s.engine.OpenPosition(r.Context(), caller, deposit, leverage)
	s.recordOpen(caller, req, summary, err, time.Since(start))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positionToResponse(summary))
}

// ClosePosition handles POST /v1/positions/close.
func (s *Server) ClosePosition(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)
	if caller == "" {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + callerHeader})
		return
	}

	start := time.Now()
	if s.metrics != nil {
		s.metrics.OperationsStarted.WithLabelValues(string(engine.KindClose)).Inc()
	}

	summary, err := s.engine.ClosePosition(r.Context(), caller)
	s.recordClose(caller, summary, err, time.Since(start))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"owner":                summary.Owner,
		"debt_repaid":          summary.DebtRepaid.String(),
		"collateral_withdrawn": summary.CollateralWithdrawn.String(),
		"returned":             summary.Returned.String(),
	})
}

// PreviewOpen handles GET /v1/positions/{owner}/preview?deposit=&leverage=.
func (s *Server) PreviewOpen(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	deposit, err := parseAmount(r.URL.Query().Get("deposit"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid deposit: " + err.Error()})
		return
	}
	leverage, err := parseAmount(r.URL.Query().Get("leverage"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid leverage: " + err.Error()})
		return
	}

	summary, err := s.engine.PreviewOpen(r.Context(), owner, deposit, leverage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positionToResponse(summary))
}

// HealthFactor handles GET /v1/positions/{owner}/health.
func (s *Server) HealthFactor(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	report, err := s.engine.HealthFactor(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"owner":            owner,
		"collateral":       report.Collateral.String(),
		"debt":             report.Debt.String(),
		"collateral_value": report.CollateralValue.String(),
		"unbounded":        report.Unbounded,
	}
	if report.Factor != nil {
		resp["health_factor"] = wad.Format(report.Factor)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// Operations handles GET /v1/positions/{owner}/operations.
func (s *Server) Operations(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit log not configured"})
		return
	}
	owner := chi.URLParam(r, "owner")
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	rows, err := s.audit.RecentOperations(r.Context(), owner, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("read operations")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"operations": rows})
}

// MaxLeverage handles GET /v1/engine/max-leverage.
func (s *Server) MaxLeverage(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"max_leverage": wad.Format(s.engine.MaxSafeLeverage()),
	})
}

// Authorize handles POST /v1/positions/authorize: the caller grants or
// revokes the engine's standing authorization over their position.
func (s *Server) Authorize(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)
	if caller == "" || s.admin == nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + callerHeader})
		return
	}
	var req struct {
		Granted bool `json:"granted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	s.admin.SetAuthorization(caller, req.Granted)
	s.writeJSON(w, http.StatusOK, map[string]bool{"granted": req.Granted})
}

// Delegate handles POST /v1/positions/delegate: the caller sets the debt
// amount the engine may place on them at flash settlement.
func (s *Server) Delegate(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)
	if caller == "" || s.admin == nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + callerHeader})
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil || amount.Sign() < 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid amount"})
		return
	}
	s.admin.ApproveDelegation(caller, amount)
	s.writeJSON(w, http.StatusOK, map[string]string{"delegated": amount.String()})
}

// Pause handles POST /v1/admin/pause.
func (s *Server) Pause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pause(s.caller(r)); err != nil {
		s.writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.EnginePaused.Set(1)
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// Unpause handles POST /v1/admin/unpause.
func (s *Server) Unpause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unpause(s.caller(r)); err != nil {
		s.writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.EnginePaused.Set(0)
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// Fund handles POST /v1/admin/fund: mints sim balances.
func (s *Server) Fund(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "sim admin not configured"})
		return
	}
	var req struct {
		Account string `json:"account"`
		Asset   string `json:"asset"`
		Amount  string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid amount"})
		return
	}
	s.admin.Mint(req.Asset, req.Account, amount)
	s.writeJSON(w, http.StatusOK, map[string]string{"minted": amount.String()})
}

// SetRate handles POST /v1/admin/rate: moves the sim oracle.
func (s *Server) SetRate(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "sim admin not configured"})
		return
	}
	var req struct {
		Rate string `json:"rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	rate, err := parseAmount(req.Rate)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid rate"})
		return
	}
	if err := s.admin.SetRate(rate); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if s.metrics != nil {
		s.metrics.OracleRate.Set(wad.Float(rate))
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"rate": wad.Format(rate)})
}

// recordOpen fans the completion record out to metrics, the audit writer
// channel and the publisher. Persist is a blocking send so records are not
// lost; publish drops when its channel is full.
func (s *Server) recordOpen(owner string, req openRequest, summary *engine.PositionSummary, opErr error, took time.Duration) {
	row := persistence.OperationRow{
		ID:         uuid.New().String(),
		Owner:      owner,
		Kind:       string(engine.KindOpen),
		Settlement: s.engine.Strategy(),
		Status:     "ok",
		Deposit:    req.Deposit,
		Leverage:   req.Leverage,
		CreatedAt:  time.Now().UTC(),
	}
	if opErr != nil {
		row.Status = "error"
		row.ErrorKind = engine.Kind(opErr)
	} else {
		row.LoanAmount = summary.LoanAmount.String()
		row.Collateral = summary.Collateral.String()
		row.Debt = summary.Debt.String()
		if summary.HealthFactor != nil {
			row.HealthFactor = wad.Format(summary.HealthFactor)
		}
	}

	if s.metrics != nil {
		kind := string(engine.KindOpen)
		s.metrics.OperationDuration.WithLabelValues(kind).Observe(took.Seconds())
		s.metrics.OperationsCompleted.WithLabelValues(kind, row.Status).Inc()
		if opErr != nil {
			s.metrics.OperationErrors.WithLabelValues(kind, row.ErrorKind).Inc()
		} else {
			s.metrics.FlashLoanSize.WithLabelValues(kind).Observe(wad.Float(summary.LoanAmount))
			if summary.HealthFactor != nil {
				s.metrics.RealizedHealthFactor.Set(wad.Float(summary.HealthFactor))
			}
		}
	}
	s.dispatch(row)
}

func (s *Server) recordClose(owner string, summary *engine.UnwindSummary, opErr error, took time.Duration) {
	row := persistence.OperationRow{
		ID:         uuid.New().String(),
		Owner:      owner,
		Kind:       string(engine.KindClose),
		Settlement: s.engine.Strategy(),
		Status:     "ok",
		CreatedAt:  time.Now().UTC(),
	}
	if opErr != nil {
		row.Status = "error"
		row.ErrorKind = engine.Kind(opErr)
	} else {
		row.Debt = summary.DebtRepaid.String()
		row.Collateral = summary.CollateralWithdrawn.String()
		row.Returned = summary.Returned.String()
	}

	if s.metrics != nil {
		kind := string(engine.KindClose)
		s.metrics.OperationDuration.WithLabelValues(kind).Observe(took.Seconds())
		s.metrics.OperationsCompleted.WithLabelValues(kind, row.Status).Inc()
		if opErr != nil {
			s.metrics.OperationErrors.WithLabelValues(kind, row.ErrorKind).Inc()
		} else {
			s.metrics.FlashLoanSize.WithLabelValues(kind).Observe(wad.Float(summary.DebtRepaid))
		}
	}
	s.dispatch(row)
}

func (s *Server) dispatch(row persistence.OperationRow) {
	if s.persistChan != nil {
		s.persistChan <- row
	}
	if s.publishChan != nil {
		evt := publish.OperationEvent{
			ID:           row.ID,
			Owner:        row.Owner,
			Kind:         row.Kind,
			Settlement:   row.Settlement,
			Status:       row.Status,
			ErrorKind:    row.ErrorKind,
			Deposit:      row.Deposit,
			Leverage:     row.Leverage,
			LoanAmount:   row.LoanAmount,
			Collateral:   row.Collateral,
			Debt:         row.Debt,
			HealthFactor: row.HealthFactor,
			Returned:     row.Returned,
			Timestamp:    row.CreatedAt,
		}
		select {
		case s.publishChan <- evt:
		default:
			if s.metrics != nil {
				s.metrics.PublishDrops.Inc()
			}
		}
	}
}
