package cache

import (
	"context"
	"time"
)

// Entry is one resolved frame.
type Entry struct {
	ContainerID   string    `json:"container_id"`
	ContainerPath string    `json:"container_path"`
	Frame         int       `json:"frame"`
	Content       string    `json:"content"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// StoreStats counts entries for one container or for the whole store.
type StoreStats struct {
	Containers int   `json:"containers"`
	Entries    int   `json:"cached_pages"`
	Bytes      int64 `json:"bytes"`
}

// Store persists entries. Implementations must be safe for concurrent use
// by several goroutines and several processes; concurrent Puts of the same
// key may race, and either write may win.
type Store interface {
	Get(ctx context.Context, c Container, frame int) (Entry, bool, error)
	Put(ctx context.Context, c Container, e Entry) error
	Clear(ctx context.Context, c Container) (int, error)
	ClearAll(ctx context.Context) (int, error)
	// Stats covers one container, or the whole store when c is nil.
	Stats(ctx context.Context, c *Container) (StoreStats, error)
}
