package models

import "time"

// SyncError records one surfaced sync failure.
type SyncError struct {
	Error     string    `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncStatus summarizes the orchestrator's progress for consumers.
type SyncStatus struct {
	IsSyncing      bool        `json:"is_syncing"`
	LastSyncTime   *time.Time  `json:"last_sync_time,omitempty"`
	FailedRequests int         `json:"failed_requests"`
	SyncErrors     []SyncError `json:"sync_errors"`
}

// Clone returns a copy whose slices and pointers are not shared.
func (s SyncStatus) Clone() SyncStatus {
	c := s
	if s.LastSyncTime != nil {
		t := *s.LastSyncTime
		c.LastSyncTime = &t
	}
	c.SyncErrors = append([]SyncError(nil), s.SyncErrors...)
	return c
}

// PriorityCounts counts queued requests per priority tier.
type PriorityCounts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// OperationCounts counts queued requests per operation kind.
type OperationCounts struct {
	Create int `json:"create"`
	Update int `json:"update"`
	Delete int `json:"delete"`
	Custom int `json:"custom"`
}

// QueueStats is a read-only aggregate over the queue, recomputed after every
// mutation.
type QueueStats struct {
	Total           int             `json:"total"`
	ByPriority      PriorityCounts  `json:"by_priority"`
	ByOperation     OperationCounts `json:"by_operation"`
	Failed          int             `json:"failed"`
	InFlight        int             `json:"in_flight"`
	OldestTimestamp *time.Time      `json:"oldest_timestamp,omitempty"`
}

// Add counts r into the aggregate.
func (s *QueueStats) Add(r *QueuedRequest) {
	s.Total++

	switch r.Priority {
	case PriorityHigh:
		s.ByPriority.High++
	case PriorityMedium:
		s.ByPriority.Medium++
	case PriorityLow:
		s.ByPriority.Low++
	}

	switch r.Operation {
	case OperationCreate:
		s.ByOperation.Create++
	case OperationUpdate:
		s.ByOperation.Update++
	case OperationDelete:
		s.ByOperation.Delete++
	case OperationCustom:
		s.ByOperation.Custom++
	}

	switch r.Status {
	case RequestFailed:
		s.Failed++
	case RequestInFlight:
		s.InFlight++
	}

	if s.OldestTimestamp == nil || r.CreatedAt.Before(*s.OldestTimestamp) {
		t := r.CreatedAt
		s.OldestTimestamp = &t
	}
}
