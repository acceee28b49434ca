package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"widgetflow/internal/calendar"
	"widgetflow/internal/domain"
	"widgetflow/internal/scheduler"
	"widgetflow/internal/store"
)

type Server struct {
	r       *chi.Mux
	sched   *scheduler.Scheduler
	widgets *store.WidgetStore
	states  *store.StateStore
	clk     calendar.Clock
}

func NewServer(sched *scheduler.Scheduler, widgets *store.WidgetStore, states *store.StateStore, clk calendar.Clock) http.Handler {
	return NewServerWithDebug(sched, widgets, states, clk, false)
}

func NewServerWithDebug(sched *scheduler.Scheduler, widgets *store.WidgetStore, states *store.StateStore, clk calendar.Clock, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, sched: sched, widgets: widgets, states: states, clk: clk}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/widgets", s.setupWidget)
	r.Get("/api/widgets/{id}", s.getWidget)
	r.Delete("/api/widgets/{id}", s.deleteWidget)
	r.Post("/api/widgets/{id}/refresh", s.refreshWidget)
	r.Get("/api/widgets/{id}/state", s.getState)
	r.Get("/api/widgets/{id}/state/stream", s.streamState)
	r.Post("/api/redraw-all", s.redrawAll)

	r.Get("/api/types", s.listTypes)
	r.Get("/api/calendar/{year}/{month}", s.calendarGrid)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("widgetflow_up 1\n"))
}

type setupReq struct {
	ID     int               `json:"id"`
	Type   string            `json:"type"`
	Size   string            `json:"size"`
	Params map[string]string `json:"params"`
}

func (s *Server) setupWidget(w http.ResponseWriter, r *http.Request) {
	var req setupReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.ID <= 0 {
		http.Error(w, "id is required", 400)
		return
	}
	t := domain.TypeFromID(req.Type)
	if t == domain.TypeNone {
		http.Error(w, "unknown widget type", 400)
		return
	}
	// Unparseable size strings fall back to medium rather than failing the
	// whole setup; the engine below only ever sees a valid size.
	size, ok := domain.ParseSize(req.Size)
	if !ok {
		log.Warn().Int("widget_id", req.ID).Str("size", req.Size).Msg("unknown size, defaulting to medium")
	}
	if err := s.sched.EnqueueSetup(r.Context(), req.ID, t, size, req.Params); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": req.ID, "type": t.ID(), "size": size})
}

func (s *Server) getWidget(w http.ResponseWriter, r *http.Request) {
	id, err := widgetID(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	rec, err := s.widgets.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, map[string]any{
		"id":           rec.WidgetID,
		"type":         rec.Type.ID(),
		"size":         rec.Size,
		"payload":      json.RawMessage(orNull(rec.Payload)),
		"last_updated": rec.LastUpdated.Format(time.RFC3339),
	})
}

func (s *Server) deleteWidget(w http.ResponseWriter, r *http.Request) {
	id, err := widgetID(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.sched.Remove(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshWidget(w http.ResponseWriter, r *http.Request) {
	id, err := widgetID(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.sched.EnqueueUpdate(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// redrawAll is the hook for system date/locale/timezone change events:
// every widget of the named category gets an update_only job.
func (s *Server) redrawAll(w http.ResponseWriter, r *http.Request) {
	t := domain.TypeFromID(r.URL.Query().Get("type"))
	if t == domain.TypeNone {
		http.Error(w, "unknown widget type", 400)
		return
	}
	n, err := s.sched.EnqueueRedrawAll(r.Context(), t.Category())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": n})
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	id, err := widgetID(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, 200, s.states.Get(r.Context(), id))
}

// streamState pushes state transitions as server-sent events. The first
// event is always the current state.
func (s *Server) streamState(w http.ResponseWriter, r *http.Request) {
	id, err := widgetID(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", 500)
		return
	}
	ch, cancel := s.states.Observe(r.Context(), id)
	defer cancel()

	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case st, open := <-ch:
			if !open {
				return
			}
			data, _ := json.Marshal(st)
			fmt.Fprintf(w, "data: %s\n\n", data)
			fl.Flush()
		}
	}
}

func (s *Server) listTypes(w http.ResponseWriter, r *http.Request) {
	var all, picker []string
	for _, t := range domain.AllTypes() {
		all = append(all, t.ID())
	}
	for _, t := range domain.MainTypesForPicker() {
		picker = append(picker, t.ID())
	}
	writeJSON(w, 200, map[string]any{"types": all, "picker": picker})
}

func (s *Server) calendarGrid(w http.ResponseWriter, r *http.Request) {
	year, err1 := strconv.Atoi(chi.URLParam(r, "year"))
	month, err2 := strconv.Atoi(chi.URLParam(r, "month"))
	// The engine assumes pre-validated input; this is where that happens.
	if err1 != nil || err2 != nil || year < 1 || year > 9999 || month < 1 || month > 12 {
		http.Error(w, "year must be 1-9999 and month 1-12", 400)
		return
	}
	writeJSON(w, 200, map[string]any{
		"year":  year,
		"month": month,
		"days":  calendar.DaysInMonth(year, month),
		"grid":  calendar.BuildGrid(year, month),
	})
}

func widgetID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid widget id")
	}
	return id, nil
}

func orNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
