package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/jinmel/gas-sponsor/op-service/sources"
)

const maxRequestBodyBytes = 128 * 1024

const (
	errInvalidRequest    = "Invalid request"
	errSubmitFailed      = "Failed to submit transaction"
	errCapabilityDenied  = "Capability denied"
	errRateLimited       = "Too many requests"
	headerRequestID      = "X-Request-Id"
	contentTypeJSON      = "application/json"
	notFoundResponseBody = "Not Found"
)

type RelayAPIBackend interface {
	Submit(ctx context.Context, req *sources.RelayRequest) (*SubmitResult, error)
}

type APIConfig struct {
	CORSAllowedOrigins []string
	// RateLimit is requests per second across all callers. Zero disables it.
	RateLimit float64
	RateBurst int
}

type relayAPI struct {
	b       RelayAPIBackend
	log     log.Logger
	metrics Metricer
	cfg     APIConfig
	limiter *rate.Limiter
}

func NewRelayAPI(b RelayAPIBackend, log log.Logger, m Metricer, cfg APIConfig) *relayAPI {
	api := &relayAPI{b: b, log: log, metrics: m, cfg: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		api.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return api
}

// Handler routes POST /submit-transaction; everything else is a plain 404.
func (api *relayAPI) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(sources.PathSubmitTransaction, api.SubmitTransaction)
	r.NotFound(api.notFound)
	r.MethodNotAllowed(api.notFound)

	if len(api.cfg.CORSAllowedOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: api.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{headerRequestID},
	}).Handler(r)
}

func (api *relayAPI) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	w.Header().Set(headerRequestID, reqID)
	l := api.log.New("req_id", reqID)

	if api.limiter != nil && !api.limiter.Allow() {
		api.writeError(w, l, http.StatusTooManyRequests, errRateLimited, "rate limit exceeded")
		return
	}

	var req sources.RelayRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(&req); err != nil {
		api.writeError(w, l, http.StatusBadRequest, errInvalidRequest, "malformed JSON body: "+err.Error())
		return
	}
	l.Debug("Received relay request", "from", req.From, "estimate", req.Estimate)

	res, err := api.b.Submit(r.Context(), &req)
	if err != nil {
		status, title := statusFor(err)
		details := err.Error()
		var relayErr *Error
		if errors.As(err, &relayErr) {
			details = relayErr.Details()
		}
		api.writeError(w, l, status, title, details)
		return
	}

	api.writeJSON(w, http.StatusOK, res.Response())
}

func statusFor(err error) (int, string) {
	switch KindOf(err) {
	case KindInvalidRequest:
		return http.StatusBadRequest, errInvalidRequest
	case KindCapability:
		return http.StatusForbidden, errCapabilityDenied
	default:
		return http.StatusInternalServerError, errSubmitFailed
	}
}

func (api *relayAPI) notFound(w http.ResponseWriter, r *http.Request) {
	api.metrics.RecordHTTPRequest(http.StatusNotFound)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(notFoundResponseBody))
}

func (api *relayAPI) writeError(w http.ResponseWriter, l log.Logger, status int, title, details string) {
	l.Warn("Relay request failed", "status", status, "error", title, "details", details)
	api.writeJSON(w, status, &sources.ErrorResponse{Error: title, Details: details})
}

func (api *relayAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	api.metrics.RecordHTTPRequest(status)
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		api.log.Error("Failed to write response", "err", err)
	}
}
