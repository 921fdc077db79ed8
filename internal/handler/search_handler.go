package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dandantas/scout/internal/broadcast"
	"github.com/dandantas/scout/internal/model"
	"github.com/dandantas/scout/internal/service"
	"github.com/dandantas/scout/pkg/middleware"
)

const maxRequestBody = 1 << 20

// SearchHandler handles search job operations
type SearchHandler struct {
	orch        *service.Orchestrator
	hub         *broadcast.Hub
	longPollMax time.Duration
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(orch *service.Orchestrator, hub *broadcast.Hub, longPollMax time.Duration) *SearchHandler {
	if longPollMax <= 0 {
		longPollMax = 60 * time.Second
	}
	return &SearchHandler{
		orch:        orch,
		hub:         hub,
		longPollMax: longPollMax,
	}
}

// SubmitResponse is returned when a search is accepted
type SubmitResponse struct {
	SearchID      string          `json:"searchId"`
	Status        model.JobStatus `json:"status"`
	Progress      int             `json:"progress"`
	CorrelationID string          `json:"correlationId"`
}

// CancelResponse is returned by cancel requests
type CancelResponse struct {
	SearchID        string          `json:"searchId"`
	Status          model.JobStatus `json:"status"`
	Progress        int             `json:"progress"`
	AlreadyTerminal bool            `json:"alreadyTerminal"`
}

// ListResponse wraps the caller's searches
type ListResponse struct {
	Data  []model.JobSummary `json:"data"`
	Total int                `json:"total"`
}

// Submit handles POST /api/v1/searches
func (h *SearchHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var cfg model.SearchConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeServiceError(w, r, &model.ValidationError{Message: "Invalid JSON: " + err.Error()})
		return
	}

	job, err := h.orch.Submit(r.Context(), middleware.Principal(r.Context()), cfg)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/searches/"+job.ID)
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		SearchID:      job.ID,
		Status:        job.Status,
		Progress:      job.Progress,
		CorrelationID: job.CorrelationID,
	})
}

// List handles GET /api/v1/searches
func (h *SearchHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.orch.List(middleware.Principal(r.Context()))

	limit := parseQueryInt(r, "limit", 100)
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	status := model.JobStatus(r.URL.Query().Get("status"))

	summaries := make([]model.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		if status != "" && job.Status != status {
			continue
		}
		if len(summaries) == limit {
			break
		}
		summaries = append(summaries, job.ToSummary())
	}

	writeJSON(w, http.StatusOK, ListResponse{Data: summaries, Total: len(summaries)})
}

// Get handles GET /api/v1/searches/{id}
func (h *SearchHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := ownedJob(r, h.orch, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Cancel handles POST /api/v1/searches/{id}/cancel and DELETE /api/v1/searches/{id}
func (h *SearchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := ownedJob(r, h.orch, id); err != nil {
		writeServiceError(w, r, err)
		return
	}

	res, err := h.orch.Cancel(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CancelResponse{
		SearchID:        res.Job.ID,
		Status:          res.Job.Status,
		Progress:        res.Job.Progress,
		AlreadyTerminal: res.AlreadyTerminal,
	})
}

// Progress handles GET /api/v1/searches/{id}/progress?after=<seq>&timeout=<sec>.
// It answers with the first event whose sequence is greater than after, or
// 204 when none arrives within the timeout.
func (h *SearchHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := ownedJob(r, h.orch, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	after := parseQueryUint(r, "after", 0)
	timeout := time.Duration(parseQueryInt(r, "timeout", 30)) * time.Second
	if timeout <= 0 || timeout > h.longPollMax {
		timeout = h.longPollMax
	}

	sub, ok := h.hub.SubscribeExisting(id)
	if !ok {
		// Only the stored snapshot is left for jobs purged from memory
		if after == 0 {
			writeJSON(w, http.StatusOK, newProgressMessage(model.EventFromJob(job, true)))
		} else {
			w.WriteHeader(http.StatusNoContent)
		}
		return
	}
	defer sub.Close()

	_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(timeout + 5*time.Second))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if ev.Sequence > after {
				writeJSON(w, http.StatusOK, newProgressMessage(ev))
				return
			}
		case <-timer.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
	}
}
