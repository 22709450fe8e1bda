// Package httpapi exposes the peripheral list and user actions over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/chaz8081/blemanager/internal/ble"
	"github.com/chaz8081/blemanager/internal/connection"
	"github.com/chaz8081/blemanager/internal/peripheral"
	"github.com/chaz8081/blemanager/internal/scan"
)

// Service is the subset of central.Central served over HTTP.
type Service interface {
	Snapshot() []peripheral.Record
	ScanState() scan.State
	RequestScan(ctx context.Context) (bool, error)
	ToggleConnection(ctx context.Context, id string) (connection.Action, error)
	RefreshConnectedPeripherals(ctx context.Context) (int, error)
}

// Peripheral is the JSON form of a registry record.
type Peripheral struct {
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	Connected bool      `json:"connected"`
	RSSI      *int      `json:"rssi,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// PeripheralsResponse lists known peripherals in discovery order.
type PeripheralsResponse struct {
	Peripherals []Peripheral `json:"peripherals"`
}

// ScanResponse reports the scan state and, for POST, whether a scan began.
type ScanResponse struct {
	State   string `json:"state"`
	Started *bool  `json:"started,omitempty"`
}

// ToggleResponse reports the action taken and the record afterwards.
type ToggleResponse struct {
	Action     string      `json:"action"`
	Peripheral *Peripheral `json:"peripheral,omitempty"`
}

// RefreshResponse reports how many connected peripherals the adapter listed.
type RefreshResponse struct {
	Connected int `json:"connected"`
}

// RateLimit caps POST requests across all clients. A zero PerSecond
// disables the limit.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Handler serves the API routes.
type Handler struct {
	svc     Service
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewHandler creates a Handler.
func NewHandler(svc Service, limit RateLimit, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{svc: svc, logger: logger}
	if limit.PerSecond > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(limit.PerSecond), max(limit.Burst, 1))
	}
	return h
}

// Routes builds the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(h.logger.Handler(), slog.LevelDebug),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.Health)
	r.Route("/peripherals", func(r chi.Router) {
		r.Get("/", h.ListPeripherals)
		r.With(h.limitActions).Post("/refresh", h.RefreshConnected)
		r.With(h.limitActions).Post("/{id}/toggle", h.TogglePeripheral)
	})
	r.Route("/scan", func(r chi.Router) {
		r.Get("/", h.GetScan)
		r.With(h.limitActions).Post("/", h.StartScan)
	})
	return r
}

func (h *Handler) limitActions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok", "service": "blemanager"})
}

func (h *Handler) ListPeripherals(w http.ResponseWriter, _ *http.Request) {
	snap := h.svc.Snapshot()
	resp := PeripheralsResponse{Peripherals: make([]Peripheral, 0, len(snap))}
	for _, rec := range snap {
		resp.Peripherals = append(resp.Peripherals, fromRecord(rec))
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (h *Handler) GetScan(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, ScanResponse{State: h.svc.ScanState().String()})
}

func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	started, err := h.svc.RequestScan(r.Context())
	if err != nil {
		h.fail(w, "scan", err)
		return
	}
	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	jsonResponse(w, status, ScanResponse{State: h.svc.ScanState().String(), Started: &started})
}

func (h *Handler) TogglePeripheral(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action, err := h.svc.ToggleConnection(r.Context(), id)
	if err != nil {
		h.fail(w, "toggle", err)
		return
	}
	resp := ToggleResponse{Action: action.String()}
	for _, rec := range h.svc.Snapshot() {
		if rec.ID == id {
			p := fromRecord(rec)
			resp.Peripheral = &p
			break
		}
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (h *Handler) RefreshConnected(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RefreshConnectedPeripherals(r.Context())
	if err != nil {
		h.fail(w, "refresh", err)
		return
	}
	jsonResponse(w, http.StatusOK, RefreshResponse{Connected: n})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("[HTTP] request failed", "op", op, "error", err)
	}
	errorResponse(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ble.ErrUnknownPeripheral):
		return http.StatusNotFound
	case errors.Is(err, ble.ErrOperationInProgress):
		return http.StatusConflict
	case errors.Is(err, ble.ErrAdapterUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ble.ErrScanRejected),
		errors.Is(err, ble.ErrConnectFailed),
		errors.Is(err, ble.ErrDisconnectFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fromRecord(rec peripheral.Record) Peripheral {
	return Peripheral{
		Address:   rec.ID,
		Name:      rec.Name,
		Connected: rec.Connected,
		RSSI:      rec.RSSI,
		LastSeen:  rec.LastSeen,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]any{
		"error": message,
		"code":  status,
	})
}

// Server runs the API on a listening address.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a Server for addr.
func NewServer(addr string, svc Service, limit RateLimit, logger *slog.Logger) *Server {
	h := NewHandler(svc, limit, logger)
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      h.Routes(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: h.logger,
	}
}

// Start serves in the background. Listener failures are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("[HTTP] listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("[HTTP] server failed", "error", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
