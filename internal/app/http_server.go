package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"locates-desk/internal/config"
	"locates-desk/internal/monitor"
	"locates-desk/internal/pipeline"
	"locates-desk/internal/queue"
	"locates-desk/internal/session"
	"locates-desk/internal/venue"
)

// ErrorResponse 为所有错误响应的结构，ErrorKind 供前端区分处理方式。
type ErrorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

type quoteBody struct {
	Trader   string `json:"trader"`
	Symbol   string `json:"symbol"`
	Quantity int    `json:"quantity"`
}

type traderBody struct {
	Trader string `json:"trader"`
}

type codeBody struct {
	Trader string `json:"trader"`
	Code   string `json:"code"`
}

type httpServer struct {
	desk    *Desk
	monitor *monitor.Service
	logger  *zap.Logger
}

// newRouter 构建 HTTP 路由，JSON 接口位于 /api/v1 下。
func newRouter(desk *Desk, mon *monitor.Service, logger *zap.Logger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &httpServer{desk: desk, monitor: mon, logger: logger}

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/quotes", s.handleRequestQuote).Methods(http.MethodPost)
	api.HandleFunc("/quotes/{id:[0-9]+}/confirm", s.handleConfirm).Methods(http.MethodPost)
	api.HandleFunc("/quotes/{id:[0-9]+}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/queue/position", s.handleQueuePosition).Methods(http.MethodGet)

	api.HandleFunc("/session/restart", s.handleRestartSession).Methods(http.MethodPost)
	api.HandleFunc("/session/code", s.handleChallengeCode).Methods(http.MethodPost)

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/purchases", s.handlePurchasesAll).Methods(http.MethodGet)
	api.HandleFunc("/purchases/{trader}", s.handlePurchases).Methods(http.MethodGet)

	router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	router.Use(s.logRequests)
	return router
}

// newHTTPServer 创建带 CORS 的 HTTP 服务。
func newHTTPServer(cfg config.ServerConfig, desk *Desk, mon *monitor.Service, logger *zap.Logger) *http.Server {
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      c.Handler(newRouter(desk, mon, logger)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

func (s *httpServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("收到请求",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

func (s *httpServer) handleRequestQuote(w http.ResponseWriter, r *http.Request) {
	var body quoteBody
	if !s.decode(w, r, &body) {
		return
	}

	resp, err := s.desk.RequestQuote(r.Context(), body.Trader, body.Symbol, body.Quantity)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *httpServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requestID(w, r)
	if !ok {
		return
	}
	var body traderBody
	if !s.decode(w, r, &body) {
		return
	}

	prices, err := s.desk.ConfirmOrder(r.Context(), body.Trader, id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"request_id":      id,
		"total_cost":      prices.TotalCost,
		"price_per_share": prices.PricePerShare,
	})
}

func (s *httpServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requestID(w, r)
	if !ok {
		return
	}
	var body traderBody
	if !s.decode(w, r, &body) {
		return
	}

	if !s.desk.CancelOrder(body.Trader, id) {
		s.respondErr(w, fmt.Errorf("app: 请求 %d: %w", id, queue.ErrQueueEntryNotFound))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"request_id": id, "canceled": true})
}

func (s *httpServer) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	quantity, err := strconv.Atoi(q.Get("quantity"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "quantity 必须为整数")
		return
	}

	pos, found := s.desk.QueuePosition(q.Get("trader"), q.Get("symbol"), quantity)
	resp := map[string]interface{}{"found": found}
	if found {
		resp["position"] = pos
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *httpServer) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.desk.RestartSession(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *httpServer) handleChallengeCode(w http.ResponseWriter, r *http.Request) {
	var body codeBody
	if !s.decode(w, r, &body) {
		return
	}

	ok, err := s.desk.SubmitChallengeCode(r.Context(), body.Trader, body.Code)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"authenticated": ok})
}

func (s *httpServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.desk.Status())
}

func (s *httpServer) handlePurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := s.desk.PurchaseHistory(r.Context(), mux.Vars(r)["trader"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, purchases)
}

func (s *httpServer) handlePurchasesAll(w http.ResponseWriter, r *http.Request) {
	if trader := strings.TrimSpace(r.URL.Query().Get("trader")); trader != "" {
		purchases, err := s.desk.PurchaseHistory(r.Context(), trader)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, purchases)
		return
	}

	all, err := s.desk.PurchaseHistoryAll(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, all)
}

func (s *httpServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) requestID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "request id 非法")
		return 0, false
	}
	return id, true
}

func (s *httpServer) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "请求体不是合法的 JSON")
		return false
	}
	return true
}

func (s *httpServer) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("写入响应失败", zap.Error(err))
	}
}

func (s *httpServer) respondErr(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("请求处理失败", zap.String("error_kind", kind), zap.Error(err))
	}
	respondError(w, status, kind, err.Error())
}

func respondError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{ErrorKind: kind, Message: message})
}

// classify 将错误映射为 HTTP 状态码与 error_kind。
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, session.ErrInvalidCode):
		return http.StatusBadRequest, "invalid_code"
	case errors.Is(err, session.ErrChallengeRequired):
		return http.StatusUnauthorized, "challenge_required"
	case errors.Is(err, venue.ErrNotAuthenticated):
		return http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, session.ErrChallengeFailed), errors.Is(err, session.ErrChallengeTimeout):
		return http.StatusUnauthorized, "challenge_failed"
	case errors.Is(err, session.ErrNoPendingChallenge):
		return http.StatusConflict, "no_pending_challenge"
	case errors.Is(err, pipeline.ErrNoPendingQuote):
		return http.StatusConflict, "no_pending_quote"
	case errors.Is(err, queue.ErrQueueEntryNotFound):
		return http.StatusNotFound, "queue_entry_not_found"
	case errors.Is(err, venue.ErrTraderNotFound):
		return http.StatusNotFound, "trader_not_found"
	case errors.Is(err, venue.ErrTransportTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, venue.ErrVenueRejected):
		return http.StatusBadGateway, "venue_rejected"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
