package models

import "time"

// NotificationType classifies a notification for display.
type NotificationType string

const (
	NotificationSuccess NotificationType = "success"
	NotificationError   NotificationType = "error"
	NotificationWarning NotificationType = "warning"
	NotificationInfo    NotificationType = "info"
)

// NotificationAction is a button offered alongside a notification. Action
// is an opaque intent name such as "retry_failed".
type NotificationAction struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// OfflineNotification is a user-facing message about queue or sync state.
type OfflineNotification struct {
	ID         string               `json:"id"`
	Type       NotificationType     `json:"type"`
	Title      string               `json:"title"`
	Message    string               `json:"message"`
	Timestamp  time.Time            `json:"timestamp"`
	Persistent bool                 `json:"persistent"`
	Actions    []NotificationAction `json:"actions,omitempty"`
	Count      int                  `json:"count"`
}

// SameContent reports whether n and other would display identically.
func (n *OfflineNotification) SameContent(other *OfflineNotification) bool {
	return n.Type == other.Type && n.Title == other.Title && n.Message == other.Message
}
