package policy

// PartitionSpec describes how a region's key space is split across members.
//
// A spec starts empty. Every setter that moves a field away from its default
// marks the spec as carrying explicit attributes; the flag is monotonic and
// never resets. The administrative layer uses HasExplicitAttributes to decide
// whether to send partition attributes at all when building the region.
type PartitionSpec struct {
	totalBuckets    uint32
	redundantCopies uint32
	resolver        string
	colocatedWith   string
	explicit        bool
}

// SetTotalBuckets sets the total number of buckets for the region.
func (p *PartitionSpec) SetTotalBuckets(n uint32) {
	p.totalBuckets = n
	p.explicit = true
}

// SetRedundantCopies sets the number of redundant copies per bucket.
func (p *PartitionSpec) SetRedundantCopies(n uint32) {
	p.redundantCopies = n
	p.explicit = true
}

// SetResolver names the partition resolver used to route keys to buckets.
//
// Clearing the resolver with an empty name is not an explicit attribute and
// never flips the flag.
func (p *PartitionSpec) SetResolver(name string) {
	p.resolver = name
	if name != "" {
		p.explicit = true
	}
}

// SetColocatedWith colocates this region's buckets with another region's.
func (p *PartitionSpec) SetColocatedWith(region string) {
	p.colocatedWith = region
	if region != "" {
		p.explicit = true
	}
}

// TotalBuckets returns the configured bucket count, 0 when unset.
func (p *PartitionSpec) TotalBuckets() uint32 { return p.totalBuckets }

// RedundantCopies returns the configured redundancy, 0 when unset.
func (p *PartitionSpec) RedundantCopies() uint32 { return p.redundantCopies }

// Resolver returns the configured resolver name, empty when unset.
func (p *PartitionSpec) Resolver() string { return p.resolver }

// ColocatedWith returns the colocated region name, empty when unset.
func (p *PartitionSpec) ColocatedWith() string { return p.colocatedWith }

// HasExplicitAttributes reports whether any setter supplied a non-default
// value. Once true it stays true.
func (p *PartitionSpec) HasExplicitAttributes() bool { return p.explicit }
