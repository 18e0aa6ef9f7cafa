package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/adw-orchestrator/internal/trigger"
)

const signatureHeader = "X-Hub-Signature-256"

// WebhookRequest is the JSON body of POST /webhook
type WebhookRequest struct {
	Event string `json:"event"`
	ADWID string `json:"adw_id"`
	Chain string `json:"chain,omitempty"`
}

// WebhookResponse is returned for accepted deliveries
type WebhookResponse struct {
	Status  string `json:"status"`
	ADWID   string `json:"adw_id"`
	Chain   string `json:"chain"`
	Message string `json:"message"`
}

func (s *Server) webhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		body, ok := s.readSigned(w, r)
		if !ok {
			return
		}

		var req WebhookRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		if req.Event == "" || req.ADWID == "" {
			writeError(w, http.StatusBadRequest, "Missing required fields: event, adw_id")
			return
		}
		runID, err := domain.ParseRunID(req.ADWID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		reg := s.registry.Get()
		chain := req.Chain
		if chain == "" {
			if chain, err = reg.ChainForEvent(req.Event); err != nil {
				writeError(w, http.StatusBadRequest, "No chain configured for event: "+req.Event)
				return
			}
		} else if _, err := reg.Chain(chain); err != nil {
			writeError(w, http.StatusBadRequest, "Unknown chain: "+chain)
			return
		}

		err = s.dispatcher.Dispatch(orchestrator.Request{RunID: runID, Chain: chain, Trigger: domain.TriggerWebhook})
		switch {
		case errors.Is(err, trigger.ErrRunActive):
			writeError(w, http.StatusConflict, fmt.Sprintf("Run %s is already active", runID))
			return
		case errors.Is(err, trigger.ErrPoolExhausted), errors.Is(err, trigger.ErrShuttingDown):
			s.logger.Warn(ctx, "rejecting webhook", zap.String("adw_id", runID.String()), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		case err != nil:
			s.logger.Error(ctx, "dispatching run", zap.String("adw_id", runID.String()), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to start orchestration")
			return
		}

		s.logger.Info(ctx, "webhook accepted", zap.String("adw_id", runID.String()),
			zap.String("event", req.Event), zap.String("chain", chain))
		writeJSON(w, http.StatusAccepted, WebhookResponse{
			Status:  "accepted",
			ADWID:   runID.String(),
			Chain:   chain,
			Message: "Orchestration started for " + runID.String(),
		})
	}
}

func (s *Server) cancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.readSigned(w, r); !ok {
			return
		}
		runID, err := domain.ParseRunID(r.PathValue("adw_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !s.dispatcher.Cancel(runID) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("No active run %s", runID))
			return
		}
		s.logger.Info(r.Context(), "run cancelled", zap.String("adw_id", runID.String()))
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "cancelling",
			"adw_id":  runID.String(),
			"message": "Cancellation requested for " + runID.String(),
		})
	}
}

// readSigned applies the rate limit and body cap, then checks the signature.
// It writes the error response itself and reports whether handling may continue.
func (s *Server) readSigned(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	ctx := r.Context()

	clientIP := getClientIP(r)
	if !s.getRateLimiter(clientIP).Allow() {
		s.logger.Warn(ctx, "rate limit exceeded", zap.String("ip", clientIP))
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "Failed to read request body")
		}
		return nil, false
	}

	if s.cfg.SignatureRequired() {
		if err := verifySignature(r.Header.Get(signatureHeader), body, s.cfg.Secret.Value()); err != nil {
			s.logger.Warn(ctx, "invalid webhook signature", zap.String("ip", clientIP), zap.Error(err))
			writeError(w, http.StatusForbidden, "Invalid signature")
			return nil, false
		}
	}
	return body, true
}

// verifySignature checks a "sha256=<hex>" HMAC of body in constant time
func verifySignature(header string, body []byte, secret string) error {
	if header == "" {
		return errors.New("missing signature header")
	}
	if !strings.HasPrefix(header, "sha256=") {
		return errors.New("signature must use sha256")
	}
	return github.ValidateSignature(header, body, []byte(secret))
}

// getRateLimiter returns the limiter for ip; a non-positive rate disables limiting
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	if s.cfg.RateLimitPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rateLimiters == nil {
		s.rateLimiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}
	// dropped hourly to bound the map
	if time.Since(s.lastCleanup) > time.Hour {
		s.rateLimiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}

	limiter, exists := s.rateLimiters[ip]
	if !exists {
		burst := s.cfg.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSecond), burst)
		s.rateLimiters[ip] = limiter
	}
	return limiter
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}
