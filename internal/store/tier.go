package store

// Tier names the storage layer that served a read. Returning it alongside
// data lets callers and tests assert where a value came from instead of
// inferring it from logs.
type Tier int

const (
	// TierDegraded means the in-process fallback answered because every
	// other tier was unreachable.
	TierDegraded Tier = iota
	// TierLocal is the process-local TTL cache.
	TierLocal
	// TierCached is the shared cache service.
	TierCached
	// TierDurable is the relational store.
	TierDurable
)

func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierCached:
		return "cached"
	case TierDurable:
		return "durable"
	default:
		return "degraded"
	}
}
