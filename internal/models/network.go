package models

import "time"

// EffectiveType is the coarse connection quality class reported by the platform.
type EffectiveType string

const (
	EffectiveSlow2G EffectiveType = "slow-2g"
	Effective2G     EffectiveType = "2g"
	Effective3G     EffectiveType = "3g"
	Effective4G     EffectiveType = "4g"
)

// Valid reports whether t is empty (unknown) or a known class.
func (t EffectiveType) Valid() bool {
	switch t {
	case "", EffectiveSlow2G, Effective2G, Effective3G, Effective4G:
		return true
	}
	return false
}

// NetworkStatus is the current connectivity snapshot. It is always replaced
// as a whole value, never partially updated.
type NetworkStatus struct {
	IsOnline         bool          `json:"is_online"`
	IsSlowConnection bool          `json:"is_slow_connection"`
	ConnectionType   string        `json:"connection_type,omitempty"`
	EffectiveType    EffectiveType `json:"effective_type,omitempty"`
	DownlinkMbps     *float64      `json:"downlink_mbps,omitempty"`
	RoundTripMs      *int          `json:"round_trip_ms,omitempty"`
	SaveData         *bool         `json:"save_data,omitempty"`
	LastOnlineAt     *time.Time    `json:"last_online_at,omitempty"`
	LastOfflineAt    *time.Time    `json:"last_offline_at,omitempty"`
}

// MaterialChange reports whether s differs from prev in a field consumers
// react to.
func (s NetworkStatus) MaterialChange(prev NetworkStatus) bool {
	return s.IsOnline != prev.IsOnline ||
		s.ConnectionType != prev.ConnectionType ||
		s.EffectiveType != prev.EffectiveType
}
