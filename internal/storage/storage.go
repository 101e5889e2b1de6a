// Package storage holds run result artifacts in an object store.
//
// The artifact doubles as the crash-recovery record: the worker stamps the
// actual cost into object metadata on upload, and the reconciler reads it
// back when the database never learned the outcome.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/packlane/packlane/internal/money"
)

// MetaActualCost is the object metadata key carrying the run's actual cost
// in micros. Written on every result upload.
const MetaActualCost = "actual-cost-micros"

// ErrNotFound means no object exists at the key.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object without its body.
type ObjectInfo struct {
	Key      string
	Size     int64
	Metadata map[string]string
}

// ObjectStore is the result artifact store.
type ObjectStore interface {
	// Put stores body at key with the given content type and metadata.
	Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error

	// Head returns object info without the body, or ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Presign returns a time-limited download URL for key and the
	// instant it expires.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error)
}

// ResultKey builds the canonical artifact key for a run. Date-partitioned so
// bucket listings stay usable.
func ResultKey(tenantID, runID string, now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("packs/%s/%04d/%02d/%02d/%s/pack_envelope.json",
		tenantID, now.Year(), now.Month(), now.Day(), runID)
}

// CostMetadata builds the metadata map stamped onto result uploads.
func CostMetadata(actual money.Micros) map[string]string {
	return map[string]string{
		MetaActualCost: strconv.FormatInt(int64(actual), 10),
	}
}

// ActualCostFromInfo extracts the stamped actual cost from object metadata.
// Returns false when the metadata is absent or unparseable; callers fall
// back to the reservation ceiling.
func ActualCostFromInfo(info *ObjectInfo) (money.Micros, bool) {
	if info == nil {
		return 0, false
	}
	raw, ok := info.Metadata[MetaActualCost]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return money.Micros(n), true
}
