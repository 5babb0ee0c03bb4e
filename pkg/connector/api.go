// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/aiku/whatsapp-webhook-bridge/pkg/connector/qrpage"
)

// maxSendBodySize is the maximum allowed request body for /send (1 MB).
const maxSendBodySize = 1 << 20

// ControlAPI serves the health, pairing and send endpoints. It has no
// authentication, the deployment is expected to keep it off public networks.
type ControlAPI struct {
	manager *Manager
	log     zerolog.Logger
}

func NewControlAPI(manager *Manager, log zerolog.Logger) *ControlAPI {
	return &ControlAPI{
		manager: manager,
		log:     log.With().Str("component", "control_api").Logger(),
	}
}

// Router builds the HTTP handler with logging and panic recovery.
func (api *ControlAPI) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(api.log))
	r.Use(requestID)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
	r.Use(api.recoverer)

	r.Get("/health", api.HandleHealth)
	r.Get("/qr", api.HandleQR)
	r.Post("/send", api.HandleSend)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// requestID tags each request with a short ID for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		log := zerolog.Ctx(r.Context()).With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(log.WithContext(r.Context())))
	})
}

// recoverer turns handler panics into 500 responses.
func (api *ControlAPI) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				hlog.FromRequest(r).Error().
					Any("panic", err).
					Str("path", r.URL.Path).
					Msg("Recovered panic in control API handler")
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status State         `json:"status"`
	Mode   Mode          `json:"mode"`
	Stats  StatsSnapshot `json:"stats"`
	Uptime float64       `json:"uptime"`
	OwnID  string        `json:"own_id,omitempty"`
}

// HandleHealth is an HTTP handler for GET /health.
func (api *ControlAPI) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := api.manager.Status()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: status.State,
		Mode:   status.Mode,
		Stats:  status.Stats,
		Uptime: status.Uptime.Seconds(),
		OwnID:  status.Self.ID,
	})
}

// HandleQR is an HTTP handler for GET /qr. It renders the pairing page for
// the current connection state.
func (api *ControlAPI) HandleQR(w http.ResponseWriter, r *http.Request) {
	state, code := api.manager.Pairing()

	var buf bytes.Buffer
	var err error
	switch {
	case state == StateConnected:
		err = qrpage.Connected(&buf, api.manager.Self().ID)
	case state == StateLoggedOut:
		err = qrpage.LoggedOut(&buf)
	case code == "":
		err = qrpage.Waiting(&buf, state.String())
	default:
		err = qrpage.Challenge(&buf, code)
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to render pairing page")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// SendResponse is the success body of POST /send.
type SendResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// HandleSend is an HTTP handler for POST /send. It sends synchronously and
// reports the message ID assigned by WhatsApp.
func (api *ControlAPI) HandleSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSendBodySize)
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.To) == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "to and text are required")
		return
	}

	id, err := api.manager.Send(r.Context(), req.To, req.Text)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).
			Str("to", BareID(req.To)).
			Msg("Failed to send message")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SendResponse{Status: "sent", ID: id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
