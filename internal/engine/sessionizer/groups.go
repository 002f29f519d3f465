package sessionizer

import (
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"Go2NetSession/internal/model"
)

const defaultShardCount = 256

// shard is a part of a sharded map, containing its own map and a mutex.
type shard struct {
	groups map[model.PeerPairKey][]time.Time
	mu     sync.RWMutex
}

// Groups buckets flow-record timestamps by peer pair for batch sessionization.
// It is owned by the caller and passed to Sessionize; nothing here is global.
// Add is safe for concurrent use.
type Groups struct {
	shards     []*shard
	shardCount uint32
}

// NewGroups creates an empty grouping with the given number of shards.
func NewGroups(numShards uint32) *Groups {
	if numShards == 0 || numShards >= 32768 {
		numShards = defaultShardCount
	}
	g := &Groups{
		shards:     make([]*shard, numShards),
		shardCount: numShards,
	}
	for i := range g.shards {
		g.shards[i] = &shard{groups: make(map[model.PeerPairKey][]time.Time)}
	}
	return g
}

// Add normalizes the record's peers and appends its timestamp to the group.
func (g *Groups) Add(rec model.FlowRecord) model.PeerPairKey {
	key := Normalize(rec.SrcAddr, rec.DstAddr)

	s := g.getShard(key)
	s.mu.Lock()
	s.groups[key] = append(s.groups[key], rec.Timestamp)
	s.mu.Unlock()

	return key
}

// Len returns the number of distinct peer pairs.
func (g *Groups) Len() int {
	n := 0
	for _, s := range g.shards {
		s.mu.RLock()
		n += len(s.groups)
		s.mu.RUnlock()
	}
	return n
}

// Records returns the number of timestamps held across all groups.
func (g *Groups) Records() int {
	n := 0
	for _, s := range g.shards {
		s.mu.RLock()
		for _, ts := range s.groups {
			n += len(ts)
		}
		s.mu.RUnlock()
	}
	return n
}

// Keys returns every peer pair, sorted by (Low, High).
func (g *Groups) Keys() []model.PeerPairKey {
	keys := make([]model.PeerPairKey, 0, g.Len())
	for _, s := range g.shards {
		s.mu.RLock()
		for k := range s.groups {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(keys, model.PeerPairKey.Compare)
	return keys
}

// Timestamps returns a copy of the timestamps recorded for key, in arrival order.
func (g *Groups) Timestamps(key model.PeerPairKey) []time.Time {
	s := g.getShard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.groups[key])
}

// getShard returns the appropriate shard for a given key.
func (g *Groups) getShard(key model.PeerPairKey) *shard {
	return g.shards[ShardIndex(key, g.shardCount)]
}

// ShardIndex hashes both addresses with fnv-1a. A zero byte separates them so
// ("ab","c") and ("a","bc") land independently. The high half is folded in
// because fnv's low bits alone spread poorly over power-of-two shard counts.
func ShardIndex(key model.PeerPairKey, n uint32) uint32 {
	hasher := fnv.New32a()
	hasher.Write([]byte(key.Low))
	hasher.Write([]byte{0})
	hasher.Write([]byte(key.High))
	h := hasher.Sum32()
	return (h ^ h>>16) % n
}
