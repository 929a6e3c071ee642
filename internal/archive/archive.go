// Package archive writes one immutable JSON document per committed batch
// transition into the object store:
//
//	provenance/<tokenId>/<seq>-<action>.json
//
// seq is the zero-based index of the history entry the document records, so a
// batch's documents list in causal order.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"agritrace/internal/blob/core"
	"agritrace/internal/ledger"
	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
)

const rootPrefix = "provenance/"

// Record is an archived transition.
type Record struct {
	Sequence   int                 `json:"sequence"`
	BatchID    string              `json:"batchId"`
	TokenID    tokenid.ID          `json:"tokenId"`
	Action     domain.Action       `json:"action"`
	Entry      domain.HistoryEntry `json:"entry"`
	Batch      domain.Batch        `json:"batch"`
	Receipt    *ledger.Receipt     `json:"receipt,omitempty"`
	ArchivedAt time.Time           `json:"archivedAt"`
}

// Archive stores provenance records in a core.Store.
type Archive struct {
	store core.Store
	nowFn func() time.Time
}

// New returns an archive backed by store.
func New(store core.Store) *Archive {
	return &Archive{store: store, nowFn: func() time.Time { return time.Now().UTC() }}
}

// Driver reports the backing store driver.
func (a *Archive) Driver() core.Driver { return a.store.Driver() }

// Prefix returns the key prefix holding records for a token.
func Prefix(id tokenid.ID) string {
	return rootPrefix + id.Hex() + "/"
}

// Key returns the object key for the seq-th history entry of a token.
func Key(id tokenid.ID, seq int, action domain.Action) string {
	return fmt.Sprintf("%s%06d-%s.json", Prefix(id), seq, action)
}

// Append archives the newest history entry of batch. Writing a record that
// already exists is not an error.
func (a *Archive) Append(ctx context.Context, batch domain.Batch, receipt *ledger.Receipt) (core.Info, error) {
	if len(batch.History) == 0 {
		return core.Info{}, fmt.Errorf("archive %s: batch has no history", batch.BatchID)
	}
	seq := len(batch.History) - 1
	entry := batch.History[seq]
	rec := Record{
		Sequence:   seq,
		BatchID:    batch.BatchID,
		TokenID:    batch.TokenID,
		Action:     entry.Action,
		Entry:      entry,
		Batch:      batch.Clone(),
		Receipt:    receipt,
		ArchivedAt: a.nowFn(),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return core.Info{}, fmt.Errorf("encode record: %w", err)
	}
	key := Key(batch.TokenID, seq, entry.Action)
	info, err := a.store.Put(ctx, key, bytes.NewReader(body), core.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"batch-id": batch.BatchID,
			"action":   string(entry.Action),
		},
	})
	if errors.Is(err, core.ErrExists) {
		return a.store.Head(ctx, key)
	}
	if err != nil {
		return core.Info{}, fmt.Errorf("archive %s: %w", key, err)
	}
	return info, nil
}

// Records returns every archived record of batchID in sequence order.
func (a *Archive) Records(ctx context.Context, batchID string) ([]Record, error) {
	infos, err := a.store.List(ctx, Prefix(tokenid.FromBatchID(batchID)))
	if err != nil {
		return nil, fmt.Errorf("list provenance: %w", err)
	}
	out := make([]Record, 0, len(infos))
	for _, info := range infos {
		if !strings.HasSuffix(info.Key, ".json") {
			continue
		}
		rec, err := a.read(ctx, info.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (a *Archive) read(ctx context.Context, key string) (Record, error) {
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return rec, nil
}
