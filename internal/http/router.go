// Package http exposes the session controller over a JSON API and pushes
// live transcript activity to websocket clients.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/models"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/schema"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/audio"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/session"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transport"
)

// Controller is the part of session.Controller the API drives.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	AddManualEntry(ctx context.Context, text string) (transcript.Entry, error)
	Status(ctx context.Context) (session.Status, error)
	ResetTranscript(ctx context.Context) error
	Transcript() []transcript.Entry
	TranscriptSince(n int) []transcript.Entry
	Len() int
}

const maxBody = 64 << 10

var textBody = schema.MustCompile("text-body", `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["text"],
	"properties": {"text": {"type": "string"}}
}`)

type textRequest struct {
	Text string `json:"text"`
}

type sessionResponse struct {
	session.Status
	Error string `json:"error,omitempty"`
}

type transcriptResponse struct {
	Entries []transcript.Entry `json:"entries"`
	Count   int                `json:"count"`
}

type liveResponse struct {
	State     session.State       `json:"state"`
	SessionID string              `json:"sessionId,omitempty"`
	Pending   session.PendingText `json:"pending"`
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(ctrl Controller, hub *Hub) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, r *http.Request) {
		if _, err := ctrl.Status(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	h := &handlers{ctrl: ctrl, hub: hub}
	r.Route("/v1", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.status)
			r.Post("/connect", h.connect)
			r.Post("/disconnect", h.disconnect)
			r.Post("/text", h.sendText)
		})
		r.Route("/transcript", func(r chi.Router) {
			r.Get("/", h.transcript)
			r.Delete("/", h.reset)
			r.Post("/manual", h.manual)
			r.Get("/live", h.live)
		})
		if hub != nil {
			r.Get("/ws", h.ws)
		}
	})

	return r
}

type handlers struct {
	ctrl Controller
	hub  *Hub
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Status: st})
}

// connect reports a device failure as a degraded success: the transport is
// up and typed turns still work.
func (h *handlers) connect(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.Connect(r.Context())
	if err != nil && !errors.Is(err, audio.ErrDevice) {
		writeError(w, err)
		return
	}
	st, stErr := h.ctrl.Status(r.Context())
	if stErr != nil {
		writeError(w, stErr)
		return
	}
	resp := sessionResponse{Status: st}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.status(w, r)
}

func (h *handlers) sendText(w http.ResponseWriter, r *http.Request) {
	req, err := decodeText(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.ctrl.SendText(r.Context(), req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (h *handlers) transcript(w http.ResponseWriter, r *http.Request) {
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be a non-negative integer"})
			return
		}
		since = n
	}
	count := h.ctrl.Len()
	entries := h.ctrl.TranscriptSince(since)
	if entries == nil {
		entries = []transcript.Entry{}
	}
	if n := since + len(entries); n > count {
		count = n
	}
	writeJSON(w, http.StatusOK, transcriptResponse{Entries: entries, Count: count})
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.ResetTranscript(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) manual(w http.ResponseWriter, r *http.Request) {
	req, err := decodeText(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entry, err := h.ctrl.AddManualEntry(r.Context(), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *handlers) live(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, liveResponse{State: st.State, SessionID: st.SessionID, Pending: st.Pending})
}

// ws sends the current state and transcript first, then live updates. The
// backlog is read after the client is registered, so a commit landing in
// between may arrive twice; clients drop repeats by entry id.
func (h *handlers) ws(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r, func() [][]byte { return h.backlog(r.Context()) })
}

func (h *handlers) backlog(ctx context.Context) [][]byte {
	var out [][]byte
	if st, err := h.ctrl.Status(ctx); err == nil {
		if b, err := json.Marshal(models.SessionStateChanged{
			EventType: models.EventSessionState,
			SessionID: st.SessionID,
			To:        st.State.String(),
			Degraded:  st.Degraded,
			Error:     st.LastError,
		}); err == nil {
			out = append(out, b)
		}
	}
	for _, e := range h.ctrl.Transcript() {
		if b, err := json.Marshal(models.NewTranscriptCommitted(e.SessionID(), e)); err == nil {
			out = append(out, b)
		}
	}
	return out
}

func decodeText(r *http.Request) (textRequest, error) {
	var req textRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return req, err
	}
	if _, err := textBody.Validate(body); err != nil {
		return req, err
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, errors.Join(schema.ErrInvalid, err)
	}
	return req, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, transport.ErrConnect):
		return http.StatusBadGateway
	case errors.Is(err, transcript.ErrEmptyText), errors.Is(err, schema.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, transport.ErrBackpressure), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrConnectAborted):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", code).Msg("Request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response write failed")
	}
}
