package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/internal/message"
	"courier/internal/scheduling"
	logx "courier/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Messages is the scheduling API served over HTTP.
type Messages interface {
	Schedule(ctx context.Context, ownerID string, req scheduling.ScheduleRequest) (scheduling.Scheduled, error)
	List(ctx context.Context, ownerID string, filter message.ListFilter) ([]*message.ScheduledMessage, error)
	Get(ctx context.Context, ownerID, id string) (*message.ScheduledMessage, error)
	Update(ctx context.Context, ownerID, id string, patch message.ContentPatch) (*message.ScheduledMessage, error)
	Cancel(ctx context.Context, ownerID, id string) (*message.ScheduledMessage, error)
	Retry(ctx context.Context, ownerID, id string) (*message.ScheduledMessage, error)
}

// TickState reports delivery runner state for /healthz.
type TickState interface {
	Running() bool
}

type Options struct {
	Messages Messages
	Ticks    TickState
	Log      logx.Logger
	// Gatherer serves /metrics when non-nil.
	Gatherer prometheus.Gatherer
}

type handler struct {
	msgs     Messages
	ticks    TickState
	log      logx.Logger
	validate *validator.Validate
	started  time.Time
}

// NewRouter builds the HTTP routes.
func NewRouter(opt Options) http.Handler {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	h := &handler{
		msgs:     opt.Messages,
		ticks:    opt.Ticks,
		log:      opt.Log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		started:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opt.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if opt.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opt.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/scheduled-messages", func(r chi.Router) {
		r.Use(requireOwner)
		r.Post("/", h.schedule)
		r.Get("/", h.list)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Patch("/", h.update)
			r.Post("/cancel", h.cancel)
			r.Post("/retry", h.retry)
		})
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", UptimeSeconds: int64(time.Since(h.started).Seconds())}
	if h.ticks != nil {
		resp.TickRunning = h.ticks.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.msgs.Schedule(r.Context(), ownerFrom(r.Context()), scheduling.ScheduleRequest{
		ChannelID:    req.ChannelID,
		Recipients:   req.Recipients,
		Subject:      req.Subject,
		Body:         req.Body,
		HTMLBody:     req.HTMLBody,
		ScheduledFor: req.ScheduledFor,
		MaxRetries:   req.MaxRetries,
	})
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResponse{ID: res.ID, ScheduledFor: res.ScheduledFor})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter message.ListFilter
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st, ok := message.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_argument", fmt.Sprintf("unknown status %q", raw))
			return
		}
		filter.Status = st
	}
	filter.ChannelID = strings.TrimSpace(q.Get("channel_id"))

	items, err := h.msgs.List(r.Context(), ownerFrom(r.Context()), filter)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if items == nil {
		items = []*message.ScheduledMessage{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items)})
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	m, err := h.msgs.Get(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handler) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.msgs.Update(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"), req.patch())
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	m, err := h.msgs.Cancel(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handler) retry(w http.ResponseWriter, r *http.Request) {
	m, err := h.msgs.Retry(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// decode reads one strict JSON object into dst and validates it. It writes
// the 400 response itself and reports false on failure.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must contain a single JSON object")
		return false
	}
	if err := h.validate.StructCtx(r.Context(), dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
