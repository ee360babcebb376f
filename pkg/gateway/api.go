// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/wa-gateway/pkg/connector"
)

// MaxBodySize caps /send request bodies.
const MaxBodySize = 1 << 20

// APIKeyHeader authenticates a caller as one instance.
const APIKeyHeader = "X-API-Key"

// sender is the part of the connector the HTTP API needs.
type sender interface {
	IsActive(tenant string) bool
	SendText(ctx context.Context, tenant, to, text string) (*connector.SendResult, error)
	Session(tenant string) (*connector.Session, bool)
}

type api struct {
	instances []connector.Instance
	conn      sender
	log       zerolog.Logger
}

// NewHandler returns the gateway's HTTP handler.
func NewHandler(instances []connector.Instance, conn sender, gatherer prometheus.Gatherer, log zerolog.Logger) http.Handler {
	a := &api{instances: instances, conn: conn, log: log.With().Str("component", "api").Logger()}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.health)
	mux.HandleFunc("POST /send", a.requireAuth(a.send))
	mux.HandleFunc("GET /status", a.requireAuth(a.sessionStatus))
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

type instanceHandler func(w http.ResponseWriter, r *http.Request, inst *connector.Instance)

func (a *api) requireAuth(next instanceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
		if key == "" {
			writeError(w, http.StatusUnauthorized, "Missing API key")
			return
		}
		inst := connector.FindByAPIKey(a.instances, key)
		if inst == nil {
			a.log.Debug().Err(connector.ErrUnauthorized).Str("path", r.URL.Path).Msg("Rejected request")
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		next(w, r, inst)
	}
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendRequest struct {
	To      any `json:"to"`
	Message any `json:"message"`
}

type sendResponse struct {
	Status string `json:"status"`
	To     string `json:"to"`
}

func (a *api) send(w http.ResponseWriter, r *http.Request, inst *connector.Instance) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	to, ok := req.To.(string)
	if !ok || to == "" {
		writeError(w, http.StatusBadRequest, `Missing or invalid "to" field`)
		return
	}
	message, ok := req.Message.(string)
	if !ok || message == "" {
		writeError(w, http.StatusBadRequest, `Missing or invalid "message" field`)
		return
	}
	if !connector.IsValidPhone(to) {
		writeError(w, http.StatusBadRequest, `Invalid phone number format for "to"`)
		return
	}
	if !a.conn.IsActive(inst.PhoneNumber) {
		writeError(w, http.StatusServiceUnavailable, connector.ErrSessionUnavailable.Error())
		return
	}

	_, err := a.conn.SendText(r.Context(), inst.PhoneNumber, to, message)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sendResponse{Status: "sent", To: to})
	case errors.Is(err, connector.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, connector.ErrSessionUnavailable):
		writeError(w, http.StatusServiceUnavailable, connector.ErrSessionUnavailable.Error())
	default:
		a.log.Error().Err(err).Str("tenant", inst.PhoneNumber).Msg("Send failed")
		writeError(w, http.StatusInternalServerError, "Failed to send message")
	}
}

type statusResponse struct {
	PhoneNumber string             `json:"phone_number"`
	State       string             `json:"state"`
	Active      bool               `json:"active"`
	Bridge      status.BridgeState `json:"bridge_state"`
}

func (a *api) sessionStatus(w http.ResponseWriter, _ *http.Request, inst *connector.Instance) {
	s, ok := a.conn.Session(inst.PhoneNumber)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, connector.ErrSessionUnavailable.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		PhoneNumber: inst.PhoneNumber,
		State:       string(s.State()),
		Active:      a.conn.IsActive(inst.PhoneNumber),
		Bridge:      s.BridgeState(),
	})
}
