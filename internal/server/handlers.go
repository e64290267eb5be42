package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	offsync "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/network"
	"github.com/kimhsiao/offlinesync/internal/sync/notify"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// requestBody is the wire form of a queued request or mutation.
type requestBody struct {
	// ID is an optional client-chosen UUID v4 for POST /api/queue, so a
	// resent request is rejected as a duplicate instead of queued twice.
	ID         string           `json:"id,omitempty"`
	Endpoint   string           `json:"endpoint"`
	Method     string           `json:"method"`
	Body       json.RawMessage  `json:"body,omitempty"`
	Table      string           `json:"table,omitempty"`
	EntityID   string           `json:"entity_id,omitempty"`
	Operation  models.Operation `json:"operation,omitempty"`
	Priority   models.Priority  `json:"priority,omitempty"`
	MaxRetries int              `json:"max_retries,omitempty"`
	TimeoutMs  int64            `json:"timeout_ms,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	// Value is the entity written to the read cache; mutations only.
	Value json.RawMessage `json:"value,omitempty"`
}

func (b *requestBody) timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

type statusResponse struct {
	notify.Summary
	State scheduler.State `json:"state"`
}

type queuedResponse struct {
	*models.QueuedRequest
	RetryAt *time.Time `json:"retry_at,omitempty"`
}

// health handles GET /api/health.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "offlinesync"})
}

// getStatus handles GET /api/status.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Summary: s.engine.Summary(), State: s.engine.SyncState()})
}

// listQueue handles GET /api/queue.
func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	requests := s.engine.QueuedRequests()
	if requests == nil {
		requests = []*models.QueuedRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": requests,
		"stats":    s.engine.QueueStats(),
	})
}

// enqueue handles POST /api/queue. The request is stored as-is without a
// read-cache projection.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	if body.ID != "" {
		if err := uuid.Validate(body.ID); err != nil {
			s.writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request id", err))
			return
		}
	}

	id, err := s.engine.QueueRequest(r.Context(), &models.QueuedRequest{
		ID:         body.ID,
		Endpoint:   body.Endpoint,
		Method:     body.Method,
		Body:       body.Body,
		Table:      body.Table,
		EntityID:   body.EntityID,
		Operation:  body.Operation,
		Priority:   body.Priority,
		MaxRetries: body.MaxRetries,
		Timeout:    body.timeout(),
		Metadata:   body.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// clearQueue handles DELETE /api/queue.
func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearQueue(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// getQueued handles GET /api/queue/{id}.
func (s *Server) getQueued(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, ok := s.engine.QueuedRequest(id)
	if !ok {
		s.writeError(w, apperrors.New(apperrors.ErrNotFound, "request "+id+" is not queued"))
		return
	}
	resp := queuedResponse{QueuedRequest: req}
	if at, ok := s.engine.RetryAt(id); ok {
		resp.RetryAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

// removeQueued handles DELETE /api/queue/{id}.
func (s *Server) removeQueued(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveRequest(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// submit handles POST /api/mutations: sent directly when online, projected
// and queued otherwise.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	if body.ID != "" {
		s.badRequest(w, "id is only accepted by /api/queue")
		return
	}

	res, err := s.engine.Submit(r.Context(), offsync.Mutation{
		Endpoint:   body.Endpoint,
		Method:     body.Method,
		Body:       body.Body,
		Table:      body.Table,
		EntityID:   body.EntityID,
		Operation:  body.Operation,
		Priority:   body.Priority,
		Value:      body.Value,
		Timeout:    body.timeout(),
		MaxRetries: body.MaxRetries,
		Metadata:   body.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// syncNow handles POST /api/sync.
func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.SyncNow(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// retryFailed handles POST /api/sync/retry.
func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RetryFailedRequests(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

type toggleBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) decodeToggle(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var body toggleBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, err)
		return false, false
	}
	if body.Enabled == nil {
		s.badRequest(w, "enabled is required")
		return false, false
	}
	return *body.Enabled, true
}

// setAutoSync handles PUT /api/sync/auto.
func (s *Server) setAutoSync(w http.ResponseWriter, r *http.Request) {
	enabled, ok := s.decodeToggle(w, r)
	if !ok {
		return
	}
	if enabled {
		s.engine.EnableAutoSync()
	} else {
		s.engine.DisableAutoSync()
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled, "state": s.engine.SyncState()})
}

// listNotifications handles GET /api/notifications.
func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	visible := s.engine.Notifications()
	if visible == nil {
		visible = []models.OfflineNotification{}
	}
	errs := s.engine.ErrorHistory()
	if errs == nil {
		errs = []models.OfflineNotification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": visible,
		"errors":        errs,
	})
}

type notificationBody struct {
	Type       models.NotificationType     `json:"type"`
	Title      string                      `json:"title"`
	Message    string                      `json:"message"`
	Persistent bool                        `json:"persistent"`
	Actions    []models.NotificationAction `json:"actions,omitempty"`
}

// addNotification handles POST /api/notifications.
func (s *Server) addNotification(w http.ResponseWriter, r *http.Request) {
	var body notificationBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		s.badRequest(w, "title is required")
		return
	}
	switch body.Type {
	case models.NotificationSuccess, models.NotificationError, models.NotificationWarning, models.NotificationInfo:
	default:
		s.badRequest(w, "type must be one of success, error, warning, info")
		return
	}

	id := s.engine.AddNotification(models.OfflineNotification{
		Type:       body.Type,
		Title:      body.Title,
		Message:    body.Message,
		Persistent: body.Persistent,
		Actions:    body.Actions,
	})
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// removeNotification handles DELETE /api/notifications/{id}.
func (s *Server) removeNotification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.engine.RemoveNotification(id) {
		s.writeError(w, apperrors.New(apperrors.ErrNotFound, "notification "+id+" not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// setOfflineMode handles PUT /api/offline-mode.
func (s *Server) setOfflineMode(w http.ResponseWriter, r *http.Request) {
	enabled, ok := s.decodeToggle(w, r)
	if !ok {
		return
	}
	if enabled {
		s.engine.ShowOfflineMode()
	} else {
		s.engine.HideOfflineMode()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"offline_mode": s.engine.Summary().OfflineMode})
}

type networkBody struct {
	Online     *bool                   `json:"online"`
	Connection *network.ConnectionInfo `json:"connection"`
}

// setNetwork handles PUT /api/network: platform connectivity and
// connection-quality reports.
func (s *Server) setNetwork(w http.ResponseWriter, r *http.Request) {
	var body networkBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Online == nil && body.Connection == nil {
		s.badRequest(w, "online or connection is required")
		return
	}
	if body.Connection != nil {
		if !body.Connection.EffectiveType.Valid() {
			s.badRequest(w, "unknown effective_type "+string(body.Connection.EffectiveType))
			return
		}
		s.engine.SetConnectionInfo(*body.Connection)
	}
	if body.Online != nil {
		s.engine.SetPlatformOnline(*body.Online)
	}
	writeJSON(w, http.StatusOK, s.engine.NetworkStatus())
}

// refreshNetwork handles POST /api/network/refresh. probed is false when
// the refresh was debounced or probing is disabled.
func (s *Server) refreshNetwork(w http.ResponseWriter, r *http.Request) {
	probed := s.engine.RefreshNetwork(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"probed":  probed,
		"network": s.engine.NetworkStatus(),
	})
}
