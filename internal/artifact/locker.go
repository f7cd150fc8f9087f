// Package artifact binds rendered report output to an issued version by
// content hash. Bytes live in a BlobStore (filesystem or MinIO); the binding
// record itself is persisted by the issuance transaction, so an orphan blob
// from a failed issue is harmless and a record without its blob is a hard
// integrity error.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrIntegrity means the stored bytes no longer match the recorded hash.
var ErrIntegrity = errors.New("artifact bytes do not match recorded content hash")

// BlobStore stores immutable byte blobs under content-derived keys.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Record describes one prepared (or recorded) artifact binding.
type Record struct {
	ContentHash string
	StorageRef  string
	SizeBytes   int64
	GeneratedAt time.Time
}

// Hash returns the hex sha-256 of the rendered bytes.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Locker prepares and fetches locked artifacts against a blob store.
type Locker struct {
	blobs BlobStore
}

func NewLocker(blobs BlobStore) *Locker {
	return &Locker{blobs: blobs}
}

// Prepare hashes the rendered bytes and writes them to blob storage, keyed by
// hash. It does not persist the binding: that happens inside the issuance
// transaction, keeping the record's existence atomic with the status flip.
// Content-addressed writes are idempotent, so retrying a failed issue reuses
// the same blob.
func (l *Locker) Prepare(ctx context.Context, rendered []byte) (Record, error) {
	hash := Hash(rendered)
	ref, err := l.blobs.Put(ctx, hash, rendered)
	if err != nil {
		return Record{}, fmt.Errorf("store artifact blob: %w", err)
	}
	return Record{
		ContentHash: hash,
		StorageRef:  ref,
		SizeBytes:   int64(len(rendered)),
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// Fetch returns the originally locked bytes for a recorded binding, verifying
// them against the recorded hash. It never re-renders: current document data
// may differ from what was actually issued.
func (l *Locker) Fetch(ctx context.Context, record Record) ([]byte, error) {
	data, err := l.blobs.Get(ctx, record.StorageRef)
	if err != nil {
		return nil, fmt.Errorf("read artifact blob %s: %w", record.StorageRef, err)
	}
	if Hash(data) != record.ContentHash {
		return nil, ErrIntegrity
	}
	return data, nil
}
