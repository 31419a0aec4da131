// Package objectstore gives the orchestrator's data roots (translated,
// analyzed, merged, and the JSONL archive) a uniform read/write/list
// surface over either the local filesystem or an S3-compatible bucket.
package objectstore

import (
	"context"
	"time"
)

// FileInfo describes one object, independent of backend.
type FileInfo struct {
	Path     string
	Size     int64
	Modified time.Time
}

// Store is the narrow surface the orchestrator's data roots need: list,
// read, write, stat, delete. No versioning, no quality-store glue — the
// pipeline only ever needs the current object.
type Store interface {
	// List returns metadata for every object under prefix, recursively.
	// Returns an empty (never nil) slice if nothing matches.
	List(ctx context.Context, prefix string) ([]FileInfo, error)

	// Read returns an object's full content. Returns nil, nil if the
	// object does not exist — absence is not an error.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write creates or overwrites an object.
	Write(ctx context.Context, path string, content []byte) error

	// Stat returns metadata without reading content. Returns nil, nil
	// if the object does not exist.
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// Delete removes an object. Idempotent — deleting a non-existent
	// object is not an error.
	Delete(ctx context.Context, path string) error
}
