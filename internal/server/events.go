package server

import (
	"sync"

	"github.com/kimhsiao/offlinesync/internal/models"
	offsync "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/notify"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// QueueChange is the payload of queue.changed.
type QueueChange struct {
	Event     queue.EventType   `json:"event"`
	RequestID string            `json:"request_id,omitempty"`
	Count     int               `json:"count,omitempty"`
	Stats     models.QueueStats `json:"stats"`
}

// Attach forwards engine changes to hub and returns a function that stops
// forwarding.
func Attach(engine offsync.EngineInterface, hub *Hub) func() {
	var mu sync.Mutex
	seen := make(map[string]bool)
	for _, n := range engine.Notifications() {
		seen[n.ID] = true
	}

	onSummary := func(s notify.Summary) {
		hub.Broadcast(EventStatusChanged, s)

		mu.Lock()
		var added []models.OfflineNotification
		current := make(map[string]bool, len(s.Notifications))
		for _, n := range s.Notifications {
			current[n.ID] = true
			if !seen[n.ID] {
				added = append(added, n)
			}
		}
		seen = current
		mu.Unlock()

		for _, n := range added {
			hub.Broadcast(EventNotificationAdded, n)
		}
	}

	onQueue := func(ev queue.Event) {
		change := QueueChange{Event: ev.Type, Count: ev.Count, Stats: ev.Stats}
		if ev.Request != nil {
			change.RequestID = ev.Request.ID
		}
		hub.Broadcast(EventQueueChanged, change)
	}

	onNetwork := func(status models.NetworkStatus) {
		hub.Broadcast(EventNetworkChanged, status)
	}

	unsubs := []func(){
		engine.Subscribe(onSummary),
		engine.SubscribeQueue(onQueue),
		engine.SubscribeNetwork(onNetwork),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
