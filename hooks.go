package relay

// InvalidationHooks is the advisory seam toward application
// databases. Implementations are notified after key versions change;
// the core works identically without them.
type InvalidationHooks interface {
	OnInvalidate(keys []string)
}

// TransactionHooks is the optional capability extension of
// InvalidationHooks for backends that want invalidation deferred
// until a surrounding transaction commits. Capability is resolved at
// construction time with a type assertion, not at call time.
type TransactionHooks interface {
	InvalidationHooks
	BeforeTransaction(fn func() error) error
	AfterTransaction(affectedKeys []string)
}
