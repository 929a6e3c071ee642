package core

import (
	"context"
	"fmt"

	"agritrace/pkg/domain"
)

// HistoryIntegrityRule keeps history append-only and consistent with status:
// the first entry is CREATED from the null address, status follows the last
// entry, and each write appends exactly one entry per status change.
func HistoryIntegrityRule() domain.Rule {
	return historyIntegrityRule{}
}

type historyIntegrityRule struct{}

func (historyIntegrityRule) Name() string { return "history_integrity" }

func (r historyIntegrityRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityBatch || change.After == nil {
			continue
		}
		if msg := r.check(change.Before, change.After); msg != "" {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  msg,
				Entity:   domain.EntityBatch,
				EntityID: change.After.BatchID,
			})
		}
	}
	return res, nil
}

func (historyIntegrityRule) check(before, after *domain.Batch) string {
	history := after.History
	if len(history) == 0 {
		return fmt.Sprintf("batch %s has no history", after.BatchID)
	}
	if first := history[0]; first.Action != domain.ActionCreated || first.From != domain.NullAddress {
		return fmt.Sprintf("batch %s history must start with CREATED from the null address", after.BatchID)
	}
	last := history[len(history)-1]
	if last.Action.Status() != after.Status {
		return fmt.Sprintf("batch %s status %s does not match last history action %s", after.BatchID, after.Status, last.Action)
	}
	if before == nil {
		if len(history) != 1 {
			return fmt.Sprintf("new batch %s must have exactly one history entry", after.BatchID)
		}
		return ""
	}
	want := len(before.History)
	if before.Status != after.Status {
		want++
	}
	if len(history) != want {
		return fmt.Sprintf("batch %s history has %d entries, expected %d", after.BatchID, len(history), want)
	}
	for i, prev := range before.History {
		cur := history[i]
		if cur.From != prev.From || cur.To != prev.To || cur.Action != prev.Action || !cur.Timestamp.Equal(prev.Timestamp) {
			return fmt.Sprintf("batch %s history entry %d was rewritten", after.BatchID, i)
		}
	}
	return ""
}
