package models

import "time"

// MountStatus represents the live state of a mount table entry.
type MountStatus string

const (
	// MountStatusConnected indicates the entry is mounted and accessible.
	MountStatusConnected MountStatus = "connected"
	// MountStatusStale indicates the mount point is mounted but unresponsive.
	MountStatusStale MountStatus = "stale"
	// MountStatusDisconnected indicates the entry is defined but not mounted.
	MountStatusDisconnected MountStatus = "disconnected"
)

// LiveMount is one row of the kernel's live mount table.
type LiveMount struct {
	Source     string   `json:"source"`
	Mountpoint string   `json:"mountpoint"`
	FSType     string   `json:"fs_type"`
	Options    []string `json:"options,omitempty"`
}

// EntryStatus joins a table entry with its live state.
type EntryStatus struct {
	Entry       Entry       `json:"entry"`
	Network     bool        `json:"network"`
	Status      MountStatus `json:"status"`
	LiveSource  string      `json:"live_source,omitempty"`
	LastChecked time.Time   `json:"last_checked"`
	Usage       *DiskUsage  `json:"usage,omitempty"`
}

// DiskUsage is the space usage of a mounted filesystem.
type DiskUsage struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}
