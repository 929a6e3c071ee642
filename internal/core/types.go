package core

import "agritrace/pkg/domain"

type (
	Batch              = domain.Batch
	HistoryEntry       = domain.HistoryEntry
	Caller             = domain.Caller
	Status             = domain.Status
	Role               = domain.Role
	Action             = domain.Action
	Change             = domain.Change
	Violation          = domain.Violation
	Result             = domain.Result
	Rule               = domain.Rule
	RulesEngine        = domain.RulesEngine
	RuleViolationError = domain.RuleViolationError
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine { return domain.NewRulesEngine() }
