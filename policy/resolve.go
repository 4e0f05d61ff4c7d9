package policy

// Uint64 returns a pointer to v, for the optional limit arguments of Resolve.
func Uint64(v uint64) *uint64 { return &v }

// ParseAction maps an action name to an Action.
//
// Unrecognized names resolve to ActionDistributedDestroy rather than failing,
// so configuration written against newer servers keeps working here.
func ParseAction(name string) Action {
	switch name {
	case ActionNameLocalDestroy:
		return ActionLocalDestroy
	case ActionNameOverflowToDisk:
		return ActionOverflowToDisk
	default:
		return ActionDistributedDestroy
	}
}

// Resolve turns the raw optional fields of a region-creation request into a
// resolved eviction policy, or nil when the request carries no policy.
//
// An empty action means "no eviction": the result is nil no matter which
// limits were supplied. A policy is never synthesized from limits alone.
//
// When an action is present, the algorithm is derived from which limit was
// supplied: maxMemory wins over maxEntries, and with neither the policy falls
// back to heap-percentage eviction with Limit 0 (the runtime-wide default
// threshold). Resolution is total; it never returns an error.
func Resolve(action string, maxMemory, maxEntries *uint64, sizer ObjectSizer) *EvictionPolicy {
	if action == "" {
		return nil
	}

	p := &EvictionPolicy{Action: ParseAction(action)}

	switch {
	case maxMemory != nil:
		p.Algorithm = AlgorithmMemorySize
		p.Limit = *maxMemory
		p.Sizer = sizer
	case maxEntries != nil:
		p.Algorithm = AlgorithmEntryCount
		p.Limit = *maxEntries
	default:
		p.Algorithm = AlgorithmHeapPercentage
		p.Limit = 0
	}

	return p
}
