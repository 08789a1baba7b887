// Package identity implements the deterministic identifier scheme and the
// thread-safe interning maps that guarantee a single identifier per logical
// key across worker threads, files and tasks.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DeterministicID hashes content byte-for-byte with SHA-256 and formats it as
// "{prefix}-sha256-{hex}". The function is pure: equal inputs always produce
// the same identifier, across threads and across processes.
func DeterministicID(prefix, content string) string {
	sum := sha256.Sum256([]byte(content))
	return prefix + "-sha256-" + hex.EncodeToString(sum[:])
}

const shardCount = 64

type shard struct {
	mu sync.RWMutex
	m  map[string]string
}

// Interner is a sharded concurrent map with get-or-compute semantics. The
// first writer for a key wins and its value becomes canonical; because the
// compute functions used here are pure, a lost race returns an identical id.
type Interner struct {
	shards [shardCount]shard
}

// NewInterner creates an empty interner
func NewInterner() *Interner {
	in := &Interner{}
	for i := range in.shards {
		in.shards[i].m = make(map[string]string)
	}
	return in
}

func (in *Interner) shardFor(key string) *shard {
	return &in.shards[xxhash.Sum64String(key)%shardCount]
}

// GetOrCompute returns the interned value for key, invoking compute at most
// once per winning insertion. Safe for concurrent use.
func (in *Interner) GetOrCompute(key string, compute func() string) string {
	s := in.shardFor(key)

	s.mu.RLock()
	if v, ok := s.m[key]; ok {
		s.mu.RUnlock()
		return v
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v
	}
	v := compute()
	s.m[key] = v
	return v
}

// Len returns the number of interned keys
func (in *Interner) Len() int {
	total := 0
	for i := range in.shards {
		s := &in.shards[i]
		s.mu.RLock()
		total += len(s.m)
		s.mu.RUnlock()
	}
	return total
}

// Maps bundles the two run-wide interning tables
type Maps struct {
	records *Interner
	values  *Interner
}

// NewMaps creates the run-wide identity maps
func NewMaps() *Maps {
	return &Maps{
		records: NewInterner(),
		values:  NewInterner(),
	}
}

// RecordID interns the record identifier for a primary id value
func (m *Maps) RecordID(recordPrefix, primaryID string) string {
	return m.records.GetOrCompute(primaryID, func() string {
		return DeterministicID(recordPrefix, primaryID)
	})
}

// ValueID interns the value identifier for a (value_type, content) pair. The
// hash input is "{value_type}:{content}", so ids cannot collide across types
// for the same content.
func (m *Maps) ValueID(valuePrefix, valueType, content string) string {
	// NUL separator keeps (type, content) pairs distinct as map keys
	key := valueType + "\x00" + content
	return m.values.GetOrCompute(key, func() string {
		return DeterministicID(valuePrefix, valueType+":"+content)
	})
}

// UniqueRecords returns the number of distinct primary ids seen
func (m *Maps) UniqueRecords() int {
	return m.records.Len()
}

// UniqueValues returns the number of distinct (value_type, content) pairs seen
func (m *Maps) UniqueValues() int {
	return m.values.Len()
}
