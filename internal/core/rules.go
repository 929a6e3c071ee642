package core

// NewDefaultRulesEngine builds a rules engine with the built-in batch policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(LifecycleTransitionRule())
	engine.Register(HistoryIntegrityRule())
	engine.Register(ImmutableFieldsRule())
	return engine
}
