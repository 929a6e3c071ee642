package domain

import (
	"context"
	"sort"
	"strings"
	"time"
)

// IndexName selects a secondary, non-unique index of the batch store.
type IndexName string

// Secondary indexes.
const (
	IndexFarmer    IndexName = "farmer"
	IndexCertifier IndexName = "certifier"
	IndexRetailer  IndexName = "retailer"
	IndexStatus    IndexName = "status"
)

// Valid reports whether n names a supported index.
func (n IndexName) Valid() bool {
	switch n {
	case IndexFarmer, IndexCertifier, IndexRetailer, IndexStatus:
		return true
	default:
		return false
	}
}

// IndexValue returns the value b is filed under in index n.
func (b Batch) IndexValue(n IndexName) string {
	switch n {
	case IndexFarmer:
		return b.Farmer
	case IndexCertifier:
		return b.Certifier
	case IndexRetailer:
		return b.Retailer
	case IndexStatus:
		return string(b.Status)
	default:
		return ""
	}
}

// SortOrder orders listings by creation time.
type SortOrder string

// Supported sort orders.
const (
	SortNewestFirst SortOrder = "newest"
	SortOldestFirst SortOrder = "oldest"
)

// BatchStore is the durable off-chain record of batches. Implementations must
// make Insert the sole arbiter of batch id uniqueness and apply UpdateFields
// atomically per batch: the field set and the history append land together or
// not at all.
type BatchStore interface {
	// Insert stores a new batch; fails with CodeDuplicateBatch on key collision.
	Insert(ctx context.Context, batch Batch) (Batch, error)
	// Get returns the batch or CodeNotFound.
	Get(ctx context.Context, batchID string) (Batch, error)
	// UpdateFields applies update plus an optional history entry atomically.
	UpdateFields(ctx context.Context, batchID string, update BatchUpdate, entry *HistoryEntry) (Batch, error)
	// ListByIndex returns batches whose index value equals value, newest first.
	ListByIndex(ctx context.Context, index IndexName, value string) ([]Batch, error)
	// Search scans crop name, variety and location case-insensitively, newest first.
	Search(ctx context.Context, text string) ([]Batch, error)
	// ListAll returns every batch in the requested order.
	ListAll(ctx context.Context, order SortOrder) ([]Batch, error)
	// Close releases driver resources.
	Close() error
}

// MatchesText reports whether the free-text fields of b contain text, ignoring case.
func (b Batch) MatchesText(text string) bool {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return false
	}
	for _, field := range []string{b.CropName, b.CropVariety, b.Location} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// SortByCreated orders batches by creation time, breaking ties by batch id.
func SortByCreated(batches []Batch, order SortOrder) {
	sortByTime(batches, order, func(b Batch) time.Time { return b.CreatedAt })
}

// SortByCertified orders batches by certification time, newest first.
func SortByCertified(batches []Batch) {
	sortByTime(batches, SortNewestFirst, func(b Batch) time.Time { return deref(b.CertifiedAt) })
}

// SortByPurchased orders batches by purchase time, newest first.
func SortByPurchased(batches []Batch) {
	sortByTime(batches, SortNewestFirst, func(b Batch) time.Time { return deref(b.PurchasedAt) })
}

func sortByTime(batches []Batch, order SortOrder, key func(Batch) time.Time) {
	sort.SliceStable(batches, func(i, j int) bool {
		ti, tj := key(batches[i]), key(batches[j])
		if ti.Equal(tj) {
			return batches[i].BatchID < batches[j].BatchID
		}
		if order == SortOldestFirst {
			return ti.Before(tj)
		}
		return ti.After(tj)
	})
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
