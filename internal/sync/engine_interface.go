package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/network"
	"github.com/kimhsiao/offlinesync/internal/sync/notify"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
)

// EngineInterface is the consumer surface of the engine.
// This interface allows for mocking in tests and alternative implementations.
type EngineInterface interface {
	// Summary returns network, queue and sync state with the visible
	// notifications in one consistent snapshot.
	Summary() notify.Summary

	NetworkStatus() models.NetworkStatus
	SyncStatus() models.SyncStatus
	SyncState() scheduler.State
	QueueStats() models.QueueStats
	QueuedRequests() []*models.QueuedRequest
	QueuedRequest(id string) (*models.QueuedRequest, bool)

	// RetryAt reports when a request waiting on backoff becomes eligible.
	RetryAt(id string) (time.Time, bool)

	Notifications() []models.OfflineNotification
	ErrorHistory() []models.OfflineNotification

	// QueueRequest durably enqueues a request and returns its id.
	QueueRequest(ctx context.Context, req *models.QueuedRequest) (string, error)

	// Submit sends a mutation directly when possible and queues it otherwise.
	Submit(ctx context.Context, m Mutation) (*SubmitResult, error)

	RemoveRequest(ctx context.Context, id string) error
	ClearQueue(ctx context.Context) error

	// SyncNow drains the queue immediately. It fails with OFFLINE when
	// there is no connectivity.
	SyncNow(ctx context.Context) (scheduler.DrainResult, error)

	RetryFailedRequests(ctx context.Context) (int, error)
	EnableAutoSync()
	DisableAutoSync()

	AddNotification(n models.OfflineNotification) string
	RemoveNotification(id string) bool
	ShowOfflineMode()
	HideOfflineMode()

	SetPlatformOnline(online bool)
	SetConnectionInfo(info network.ConnectionInfo)
	RefreshNetwork(ctx context.Context) bool

	// Subscriptions return a function that removes the handler.
	Subscribe(fn func(notify.Summary)) func()
	SubscribeNetwork(fn func(models.NetworkStatus)) func()
	SubscribeQueue(fn func(queue.Event)) func()
	OnSyncEvent(fn func(scheduler.Event)) func()
}

var _ EngineInterface = (*Engine)(nil)
