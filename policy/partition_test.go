package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionSpecStartsImplicit(t *testing.T) {
	var spec PartitionSpec
	assert.False(t, spec.HasExplicitAttributes())
	assert.Equal(t, uint32(0), spec.TotalBuckets())
	assert.Equal(t, uint32(0), spec.RedundantCopies())
	assert.Empty(t, spec.Resolver())
	assert.Empty(t, spec.ColocatedWith())
}

func TestPartitionSpecSettersMarkExplicit(t *testing.T) {
	cases := []struct {
		name string
		set  func(*PartitionSpec)
	}{
		{"total_buckets", func(s *PartitionSpec) { s.SetTotalBuckets(113) }},
		{"redundant_copies", func(s *PartitionSpec) { s.SetRedundantCopies(1) }},
		{"resolver", func(s *PartitionSpec) { s.SetResolver("customer-id") }},
		{"colocated_with", func(s *PartitionSpec) { s.SetColocatedWith("orders") }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var spec PartitionSpec
			tc.set(&spec)
			assert.True(t, spec.HasExplicitAttributes())
		})
	}
}

func TestPartitionSpecZeroValuesStillExplicit(t *testing.T) {
	// Explicitly choosing the default numeric values is still an explicit
	// configuration choice.
	var spec PartitionSpec
	spec.SetTotalBuckets(0)
	assert.True(t, spec.HasExplicitAttributes())

	var spec2 PartitionSpec
	spec2.SetRedundantCopies(0)
	assert.True(t, spec2.HasExplicitAttributes())
}

func TestPartitionSpecEmptyResolverNeverFlips(t *testing.T) {
	var spec PartitionSpec
	spec.SetResolver("")
	assert.False(t, spec.HasExplicitAttributes())

	spec.SetColocatedWith("")
	assert.False(t, spec.HasExplicitAttributes())
}

func TestPartitionSpecFlagIsMonotonic(t *testing.T) {
	var spec PartitionSpec
	spec.SetResolver("customer-id")
	assert.True(t, spec.HasExplicitAttributes())

	// Clearing the resolver afterwards does not reset the flag.
	spec.SetResolver("")
	assert.True(t, spec.HasExplicitAttributes())
	assert.Empty(t, spec.Resolver())
}

func TestPartitionSpecGetters(t *testing.T) {
	var spec PartitionSpec
	spec.SetTotalBuckets(113)
	spec.SetRedundantCopies(2)
	spec.SetResolver("customer-id")
	spec.SetColocatedWith("customers")

	assert.Equal(t, uint32(113), spec.TotalBuckets())
	assert.Equal(t, uint32(2), spec.RedundantCopies())
	assert.Equal(t, "customer-id", spec.Resolver())
	assert.Equal(t, "customers", spec.ColocatedWith())
}
