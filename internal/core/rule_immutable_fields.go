package core

import (
	"context"
	"fmt"
	"time"

	"agritrace/pkg/domain"
)

// ImmutableFieldsRule freezes creation-time fields, lets participant
// references be set once or cleared, and ties transition timestamps to status.
func ImmutableFieldsRule() domain.Rule {
	return immutableFieldsRule{}
}

type immutableFieldsRule struct{}

func (immutableFieldsRule) Name() string { return "immutable_fields" }

func (r immutableFieldsRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityBatch || change.After == nil {
			continue
		}
		for _, msg := range r.check(change.Before, change.After) {
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

func (immutableFieldsRule) check(before, after *domain.Batch) []string {
	var out []string
	id := after.BatchID
	certified := after.Status == domain.StatusCertified || after.Status == domain.StatusRejected || after.Status == domain.StatusPurchased
	if (after.CertifiedAt != nil) != certified {
		out = append(out, fmt.Sprintf("batch %s certifiedAt must be set iff it passed certification", id))
	}
	if (after.PurchasedAt != nil) != (after.Status == domain.StatusPurchased) {
		out = append(out, fmt.Sprintf("batch %s purchasedAt must be set iff it was purchased", id))
	}
	if before == nil {
		return out
	}
	if before.BatchID != after.BatchID || before.TokenID != after.TokenID {
		out = append(out, fmt.Sprintf("batch %s identity cannot change", id))
	}
	if before.CropName != after.CropName || before.CropVariety != after.CropVariety || before.Location != after.Location {
		out = append(out, fmt.Sprintf("batch %s crop fields are immutable", id))
	}
	if !before.HarvestDate.Equal(after.HarvestDate) || !before.CreatedAt.Equal(after.CreatedAt) {
		out = append(out, fmt.Sprintf("batch %s harvest date and creation time are immutable", id))
	}
	if (before.Price == nil) != (after.Price == nil) || (before.Price != nil && before.Price.Cmp(after.Price) != 0) {
		out = append(out, fmt.Sprintf("batch %s price is immutable", id))
	}
	for _, ref := range []struct {
		name          string
		before, after string
	}{
		{"farmer", before.Farmer, after.Farmer},
		{"certifier", before.Certifier, after.Certifier},
		{"retailer", before.Retailer, after.Retailer},
	} {
		if ref.before != "" && ref.after != "" && ref.before != ref.after {
			out = append(out, fmt.Sprintf("batch %s %s is already set", id, ref.name))
		}
	}
	if before.Farmer == "" && after.Farmer != "" {
		out = append(out, fmt.Sprintf("batch %s farmer cannot be reassigned", id))
	}
	if !sameStamp(before.CertifiedAt, after.CertifiedAt) || !sameStamp(before.PurchasedAt, after.PurchasedAt) {
		out = append(out, fmt.Sprintf("batch %s transition timestamps are set once", id))
	}
	return out
}

// sameStamp accepts an unset-to-set change and rejects any other difference.
func sameStamp(before, after *time.Time) bool {
	if before == nil {
		return true
	}
	return after != nil && before.Equal(*after)
}
