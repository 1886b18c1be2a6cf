// Package ops exposes the operational surface of the ban subsystem: health,
// prometheus metrics, registry counters, a dry-run ban check, and a ban
// endpoint for moderation tooling. It is meant to listen on loopback or an
// internal interface only.
package ops

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"banwarden/ban"
)

// Config wires the handler.
type Config struct {
	Registry *ban.Registry
	Logger   *slog.Logger

	// RequestsPerMinute and Burst bound each client's request rate. Zero
	// values fall back to 60/10.
	RequestsPerMinute float64
	Burst             int

	// DefaultBanDuration applies when a ban request omits the duration.
	DefaultBanDuration time.Duration
}

type banRequest struct {
	PeerID        string `json:"peerID"`
	Reason        string `json:"reason"`
	DurationHours int    `json:"durationHours"`
	Severity      int    `json:"severity"`
	HardwareBan   bool   `json:"hardwareBan"`
}

// NewHandler builds the admin router.
func NewHandler(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := newClientLimiter(cfg.RequestsPerMinute, cfg.Burst)

	r := chi.NewRouter()
	r.Use(limiter.middleware)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, logger, cfg.Registry.Stats())
	})

	r.Get("/check/{peerID}", func(w http.ResponseWriter, req *http.Request) {
		peerID := strings.TrimSpace(chi.URLParam(req, "peerID"))
		if peerID == "" {
			http.Error(w, "peer id required", http.StatusBadRequest)
			return
		}
		writeJSON(w, logger, cfg.Registry.Check(peerID))
	})

	r.Post("/ban", func(w http.ResponseWriter, req *http.Request) {
		var body banRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(body.PeerID) == "" {
			http.Error(w, "peer id required", http.StatusBadRequest)
			return
		}
		duration := time.Duration(body.DurationHours) * time.Hour
		if duration <= 0 {
			duration = cfg.DefaultBanDuration
		}
		if duration <= 0 {
			duration = 24 * time.Hour
		}
		applied := cfg.Registry.ApplyBan(body.PeerID, body.Reason, duration, body.Severity, body.HardwareBan)
		if !applied {
			http.Error(w, "ban not applied", http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, cfg.Registry.Check(body.PeerID))
	})

	return otelhttp.NewHandler(r, "banwarden-ops")
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write response", slog.Any("error", err))
	}
}

// clientLimiter applies a per-client token bucket keyed by remote host.
type clientLimiter struct {
	perSecond rate.Limit
	burst     int

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

func newClientLimiter(perMinute float64, burst int) *clientLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	return &clientLimiter{
		perSecond: rate.Limit(perMinute / 60.0),
		burst:     burst,
		clients:   make(map[string]*rate.Limiter),
	}
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !l.obtain(clientHost(req)).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (l *clientLimiter) obtain(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.clients[host]
	if ok {
		return limiter
	}
	limiter = rate.NewLimiter(l.perSecond, l.burst)
	l.clients[host] = limiter
	time.AfterFunc(10*time.Minute, func() {
		l.mu.Lock()
		delete(l.clients, host)
		l.mu.Unlock()
	})
	return limiter
}

func clientHost(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
