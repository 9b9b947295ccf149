package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/keylock"
)

const contactShards = 64

// ContactEventStore keeps contact timestamps in memory, sharded by key so
// that unrelated debtors never share a lock.
type ContactEventStore struct {
	shards [contactShards]contactShard
}

type contactShard struct {
	mu     sync.Mutex
	events map[compliance.ContactKey][]time.Time
}

var _ compliance.ContactEventStore = (*ContactEventStore)(nil)

func NewContactEventStore() *ContactEventStore {
	s := &ContactEventStore{}
	for i := range s.shards {
		s.shards[i].events = make(map[compliance.ContactKey][]time.Time)
	}
	return s
}

func (s *ContactEventStore) Append(ctx context.Context, key compliance.ContactKey, at time.Time, purgeBefore time.Time) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.events[key] = insertSorted(purge(sh.events[key], purgeBefore), at)
	return nil
}

func (s *ContactEventStore) After(ctx context.Context, key compliance.ContactKey, after time.Time) ([]time.Time, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	events := sh.events[key]
	i := firstAfter(events, after)
	return append([]time.Time(nil), events[i:]...), nil
}

func (s *ContactEventStore) AppendIfBelow(ctx context.Context, key compliance.ContactKey, at, after time.Time, limit int, purgeBefore time.Time) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	events := purge(sh.events[key], purgeBefore)
	used := len(events) - firstAfter(events, after)
	if used >= limit {
		sh.events[key] = events
		return false, nil
	}
	sh.events[key] = insertSorted(events, at)
	return true, nil
}

// Len returns the number of retained events for key
func (s *ContactEventStore) Len(key compliance.ContactKey) int {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.events[key])
}

func (s *ContactEventStore) shard(key compliance.ContactKey) *contactShard {
	return &s.shards[keylock.Hash(key.String())%contactShards]
}

func firstAfter(events []time.Time, after time.Time) int {
	return sort.Search(len(events), func(i int) bool {
		return events[i].After(after)
	})
}

func purge(events []time.Time, before time.Time) []time.Time {
	i := sort.Search(len(events), func(i int) bool {
		return !events[i].Before(before)
	})
	if i == 0 {
		return events
	}
	return append(events[:0:0], events[i:]...)
}

func insertSorted(events []time.Time, at time.Time) []time.Time {
	i := sort.Search(len(events), func(i int) bool {
		return events[i].After(at)
	})
	events = append(events, time.Time{})
	copy(events[i+1:], events[i:])
	events[i] = at
	return events
}
