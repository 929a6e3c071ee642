package core

import (
	"context"
	"fmt"

	"agritrace/pkg/domain"
)

// LifecycleTransitionRule blocks status changes not listed in the lifecycle
// table and any change out of a terminal state.
func LifecycleTransitionRule() domain.Rule {
	return lifecycleTransitionRule{}
}

type lifecycleTransitionRule struct{}

var terminalStates = toSet(string(domain.StatusRejected), string(domain.StatusPurchased))

func (lifecycleTransitionRule) Name() string { return "lifecycle_transition" }

func (r lifecycleTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityBatch || change.After == nil {
			continue
		}
		after := change.After
		if !after.Status.Valid() {
			res.Violations = append(res.Violations, r.violation(after.BatchID, "batch %s is set to invalid state %s", after.BatchID, after.Status))
			continue
		}
		var from domain.Status
		if change.Before != nil {
			from = change.Before.Status
		}
		if from == after.Status {
			continue
		}
		if _, terminal := terminalStates[string(from)]; terminal {
			res.Violations = append(res.Violations, r.violation(after.BatchID, "cannot move batch %s from terminal state %s to %s", after.BatchID, from, after.Status))
			continue
		}
		if !domain.CanTransition(from, after.Status) {
			label := string(from)
			if label == "" {
				label = "nothing"
			}
			res.Violations = append(res.Violations, r.violation(after.BatchID, "batch %s cannot move from %s to %s", after.BatchID, label, after.Status))
		}
	}
	return res, nil
}

func (r lifecycleTransitionRule) violation(id, format string, args ...any) domain.Violation {
	return domain.Violation{
		Rule:     r.Name(),
		Severity: domain.SeverityBlock,
		Message:  fmt.Sprintf(format, args...),
		Entity:   domain.EntityBatch,
		EntityID: id,
	}
}

func toSet(values ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
