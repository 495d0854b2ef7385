// Package propcache remembers what is known about remote resources (size,
// modification time, existence, directory listings) so that repeated stats
// of the same URL do not go back to the network until the entry expires.
package propcache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no live entry exists for a key.
var ErrNotFound = errors.New("propcache: not found")

// Properties describes one remote resource.
type Properties struct {
	Exists  bool      `json:"exists"`
	IsDir   bool      `json:"is_dir,omitempty"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time,omitzero"`
	ETag    string    `json:"etag,omitempty"`
	// AcceptRanges is false when the server ignored a Range request.
	AcceptRanges bool `json:"accept_ranges"`
	// Children holds the names parsed from a directory listing, nil when
	// the listing has not been fetched.
	Children  []string  `json:"children,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Cache stores properties with a time to live.
type Cache interface {
	// Get returns the live entry for key or ErrNotFound.
	Get(ctx context.Context, key string) (*Properties, error)
	// Put stores props for ttl. A ttl of zero never expires.
	Put(ctx context.Context, key string, props *Properties, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every entry whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}
