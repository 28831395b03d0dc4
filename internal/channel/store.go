package channel

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// Store holds live channels by canonical name.
//
// Names hash to one of a fixed set of shards so unrelated channels do not
// contend on one lock.
type Store struct {
	shards [shardCount]shard
}

// NewStore creates an empty Store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].channels = make(map[string]*Channel)
	}
	return s
}

func (s *Store) shard(canon string) *shard {
	return &s.shards[xxhash.Sum64String(canon)%shardCount]
}

// Get looks up a channel by name.
func (s *Store) Get(name string) (*Channel, bool) {
	canon := Canonicalize(name)
	sh := s.shard(canon)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.channels[canon]
	return c, ok
}

// getOrCreate returns the channel, creating it with founder if it is absent.
// Creation and lookup happen in one critical section so only one caller
// creates a given channel.
func (s *Store) getOrCreate(name, founder string) (*Channel, bool) {
	canon := Canonicalize(name)
	sh := s.shard(canon)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if c, ok := sh.channels[canon]; ok {
		return c, false
	}

	c := newChannel(name, founder)
	sh.channels[canon] = c
	return c, true
}

// remove drops c if the store still maps its name to it.
func (s *Store) remove(c *Channel) {
	sh := s.shard(c.canon)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.channels[c.canon] == c {
		delete(sh.channels, c.canon)
	}
}

// All returns every live channel, sorted by canonical name.
func (s *Store) All() []*Channel {
	var all []*Channel
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, c := range sh.channels {
			all = append(all, c)
		}
		sh.mu.RUnlock()
	}

	sort.Slice(all, func(i, j int) bool { return all[i].canon < all[j].canon })
	return all
}

// Len is the number of live channels.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.channels)
		sh.mu.RUnlock()
	}
	return n
}
