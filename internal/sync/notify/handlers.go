package notify

import (
	"fmt"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
)

// HandleQueueEvent folds a queue mutation into the summary. A request
// queued while offline is acknowledged once per dedupe window.
func (a *Aggregator) HandleQueueEvent(ev queue.Event) {
	a.UpdateQueueStats(ev.Stats)

	if ev.Type == queue.EventEnqueued && !a.Summary().Network.IsOnline {
		a.Add(models.OfflineNotification{
			Type:    models.NotificationInfo,
			Title:   "Saved offline",
			Message: "Your change will sync when you're back online.",
		})
	}
}

// HandleSchedulerEvent folds an orchestrator event into the summary and
// raises notifications for completed passes and terminal failures.
// Transient failures stay silent.
func (a *Aggregator) HandleSchedulerEvent(ev scheduler.Event) {
	a.UpdateSyncStatus(ev.Status)

	switch ev.Type {
	case scheduler.EventDrainFinished:
		if ev.Drain != nil && ev.Drain.Success > 0 {
			a.Add(models.OfflineNotification{
				Type:    models.NotificationSuccess,
				Title:   "Changes synced",
				Message: fmt.Sprintf("%d %s synced.", ev.Drain.Success, plural(ev.Drain.Success, "change", "changes")),
			})
		}

	case scheduler.EventFailed:
		a.Add(models.OfflineNotification{
			Type:    models.NotificationError,
			Title:   "Sync failed",
			Message: failureMessage(ev),
			Actions: []models.NotificationAction{
				{Label: "Retry", Action: ActionRetryFailed},
				{Label: "Dismiss", Action: ActionDismiss},
			},
		})

	case scheduler.EventQueueCleared:
		a.Add(models.OfflineNotification{
			Type:    models.NotificationInfo,
			Title:   "Queue cleared",
			Message: "Pending changes were discarded.",
		})
	}
}

// HandleNetworkStatus folds a connectivity change into the summary. Going
// offline shows the persistent offline banner; coming back removes it and
// announces the reconnect.
func (a *Aggregator) HandleNetworkStatus(status models.NetworkStatus) {
	a.UpdateNetworkStatus(status)

	a.mu.Lock()
	wasOffline := a.sawOffline
	a.sawOffline = !status.IsOnline
	a.mu.Unlock()

	if !status.IsOnline {
		a.ShowOfflineMode()
		return
	}
	if wasOffline {
		a.HideOfflineMode()
		a.Add(models.OfflineNotification{
			Type:    models.NotificationSuccess,
			Title:   "Back online",
			Message: "Syncing your changes.",
			Actions: []models.NotificationAction{{Label: "Sync now", Action: ActionSyncNow}},
		})
	}
}

func failureMessage(ev scheduler.Event) string {
	msg := "A change could not be saved."
	if ev.Err != nil {
		msg = ev.Err.Error()
		if errors.IsNetwork(ev.Err) {
			msg = "Gave up after repeated network failures: " + msg
		}
	}
	if ev.Request != nil {
		return fmt.Sprintf("%s %s: %s", ev.Request.Method, ev.Request.Endpoint, msg)
	}
	return msg
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
