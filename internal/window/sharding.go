package window

import (
	"fmt"
	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
)

// RingConfig holds configuration for the consistent hash ring that spreads group keys over lock stripes
type RingConfig struct {
	PartitionCount    int     `yaml:"partition_count"`
	ReplicationFactor int     `yaml:"replication_factor"`
	Load              float64 `yaml:"load"`
}

// DefaultRingConfig returns default configuration
func DefaultRingConfig() RingConfig {
	return RingConfig{
		PartitionCount:    997,
		ReplicationFactor: 20,
		Load:              1.25,
	}
}

// stripeMember implements consistent.Member
type stripeMember string

func (m stripeMember) String() string {
	return string(m)
}

// hasher uses xxhash for Consistent
type hasher struct{}

func (h hasher) Sum64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// stripeRing locates the stripe owning a group key
type stripeRing struct {
	ring  *consistent.Consistent
	index map[string]int
}

func newStripeRing(stripes int, config RingConfig) *stripeRing {
	if stripes <= 1 {
		return &stripeRing{}
	}

	def := DefaultRingConfig()
	if config.PartitionCount <= 0 {
		config.PartitionCount = def.PartitionCount
	}
	if config.ReplicationFactor <= 0 {
		config.ReplicationFactor = def.ReplicationFactor
	}
	if config.Load <= 0 {
		config.Load = def.Load
	}

	members := make([]consistent.Member, 0, stripes)
	index := make(map[string]int, stripes)
	for i := 0; i < stripes; i++ {
		name := fmt.Sprintf("stripe-%d", i)
		members = append(members, stripeMember(name))
		index[name] = i
	}

	return &stripeRing{
		ring: consistent.New(members, consistent.Config{
			PartitionCount:    config.PartitionCount,
			ReplicationFactor: config.ReplicationFactor,
			Load:              config.Load,
			Hasher:            hasher{},
		}),
		index: index,
	}
}

// locate returns the stripe index for key
func (r *stripeRing) locate(key string) int {
	if r.ring == nil {
		return 0
	}
	return r.index[r.ring.LocateKey([]byte(key)).String()]
}
