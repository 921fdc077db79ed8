package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dandantas/scout/internal/broadcast"
	"github.com/dandantas/scout/internal/model"
	"github.com/dandantas/scout/internal/service"
	"github.com/dandantas/scout/internal/trace"
)

// MessageTypeProgress tags pushed progress messages
const MessageTypeProgress = "search-progress"

// progressMessage is the pushed shape of a progress event
type progressMessage struct {
	Type string `json:"type"`
	model.ProgressEvent
}

func newProgressMessage(ev model.ProgressEvent) progressMessage {
	return progressMessage{Type: MessageTypeProgress, ProgressEvent: ev}
}

// StreamHandler serves progress as server-sent events
type StreamHandler struct {
	orch      *service.Orchestrator
	hub       *broadcast.Hub
	keepAlive time.Duration
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(orch *service.Orchestrator, hub *broadcast.Hub) *StreamHandler {
	return &StreamHandler{
		orch:      orch,
		hub:       hub,
		keepAlive: 15 * time.Second,
	}
}

// Stream handles GET /api/v1/stream?searchId=<id>. The stream ends after the
// terminal event. Reconnecting clients may send Last-Event-ID to skip events
// they already have.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("searchId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "searchId is required")
		return
	}
	job, err := ownedJob(r, h.orch, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub, ok := h.hub.SubscribeExisting(id)
	if !ok {
		_ = writeEvent(w, model.EventFromJob(job, true))
		_ = rc.Flush()
		return
	}
	defer sub.Close()

	lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)
	logger := trace.Logger(r.Context())
	logger.Debug("Progress stream opened", "job_id", id)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				logger.Debug("Progress stream completed", "job_id", id)
				return
			}
			if ev.Sequence <= lastID {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				logger.Debug("Progress stream write failed", "job_id", id, "error", err)
				return
			}
			_ = rc.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev model.ProgressEvent) error {
	data, err := json.Marshal(newProgressMessage(ev))
	if err != nil {
		return err
	}
	if ev.Sequence > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Sequence); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", MessageTypeProgress, data)
	return err
}
