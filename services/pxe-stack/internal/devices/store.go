package devices

import (
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"pxewatch/pkg/clock"
)

const (
	minShards = 4
	maxShards = 32
)

// Store maps hardware addresses to lifecycle records. Keys are spread over
// shards with one lock each, so updates to the same key are serialised while
// different keys proceed in parallel.
type Store struct {
	clock  clock.Clock
	shards []*shard
}

type shard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewStore creates an empty store. A nil clock falls back to real time.
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}

	n := runtime.GOMAXPROCS(0)
	if n < minShards {
		n = minShards
	}
	if n > maxShards {
		n = maxShards
	}

	s := &Store{clock: clk, shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*Record)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Update performs an atomic read-modify-write on the record for hw. fn sees a
// copy of the current record and whether it was created by this call; the
// returned fields are merged and LastActiveAt is refreshed. fn runs with the
// key's shard locked and must not call back into the Store.
func (s *Store) Update(hw string, fn func(current Record, created bool) Fields) (before, after Record, created bool) {
	key := NormalizeHardwareAddr(hw)
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		rec = &Record{HardwareAddr: key}
		sh.records[key] = rec
		created = true
	}
	before = *rec

	if fn != nil {
		fn(before, created).mergeInto(rec)
	}

	now := s.clock.Now()
	if !now.After(rec.LastActiveAt) {
		// Keep LastActiveAt strictly increasing per record even when the
		// clock has not moved between two events.
		now = rec.LastActiveAt.Add(time.Nanosecond)
	}
	rec.LastActiveAt = now

	return before, *rec, created
}

// Apply merges fields into the record for hw, creating it if needed.
func (s *Store) Apply(hw string, fields Fields) Record {
	_, after, _ := s.Update(hw, func(Record, bool) Fields { return fields })
	return after
}

// Get returns a copy of the record for hw.
func (s *Store) Get(hw string) (Record, bool) {
	key := NormalizeHardwareAddr(hw)
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns a point-in-time copy of every record. Shards are copied
// one at a time.
func (s *Store) Snapshot() map[string]Record {
	out := make(map[string]Record)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, rec := range sh.records {
			out[key] = *rec
		}
		sh.mu.Unlock()
	}
	return out
}

// Len reports the number of tracked records.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.records)
		sh.mu.Unlock()
	}
	return total
}

// Evict removes the record for hw. Evicting an unknown key is a no-op.
func (s *Store) Evict(hw string) {
	key := NormalizeHardwareAddr(hw)
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.records, key)
}

// EvictIdle removes every record whose LastActiveAt is at or before cutoff
// and returns the evicted records. onEvict, when set, runs while the key's
// shard is still locked so follow-up cleanup is ordered with concurrent
// updates of the same key.
func (s *Store) EvictIdle(cutoff time.Time, onEvict func(Record)) []Record {
	var evicted []Record
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, rec := range sh.records {
			if rec.LastActiveAt.After(cutoff) {
				continue
			}
			delete(sh.records, key)
			evicted = append(evicted, *rec)
			if onEvict != nil {
				onEvict(*rec)
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}
