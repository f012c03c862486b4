package kv

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key      string
	value    []byte
	expireAt time.Time
}

// Item is a live entry taken out of the store, e.g. to hand it to the peer
// that now owns its key.
type Item struct {
	Key      string
	Value    []byte
	ExpireAt time.Time
}

// TTL is the remaining lifetime of the item, zero when it never expires.
func (it Item) TTL(now time.Time) time.Duration {
	if it.ExpireAt.IsZero() {
		return 0
	}
	return max(it.ExpireAt.Sub(now), time.Millisecond)
}

// Store is a minimal in-memory KV with TTL and LRU eviction by bytes capacity.
type Store struct {
	mu   sync.RWMutex
	data map[string]*list.Element
	ll   *list.List
	used int
	cap  int
}

func NewStore(capacityBytes int) *Store {
	return &Store{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
	}
}

func (s *Store) Put(key string, val []byte, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.put(key, val, exp)
}

func (s *Store) put(key string, val []byte, exp time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.data[key]; ok {
		old := el.Value.(*entry)
		s.used -= len(old.value)
		old.value = append([]byte(nil), val...)
		old.expireAt = exp
		s.used += len(old.value)
		s.ll.MoveToFront(el)
	} else {
		e := &entry{key: key, value: append([]byte(nil), val...), expireAt: exp}
		el := s.ll.PushFront(e)
		s.data[key] = el
		s.used += len(e.value)
	}
	s.evictIfNeeded()
}

func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.data[key]; ok {
		e := el.Value.(*entry)
		if e.expired(time.Now()) {
			s.removeElement(el)
			return nil, false
		}
		s.ll.MoveToFront(el)
		return append([]byte(nil), e.value...), true
	}
	return nil, false
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.data[key]
	if ok {
		s.removeElement(el)
	}
	return ok
}

// Extract removes every live entry whose key matches and returns them, least
// recently used first. Expired entries are dropped along the way.
func (s *Store) Extract(match func(key string) bool) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []Item
	for el := s.ll.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		switch {
		case e.expired(now):
			s.removeElement(el)
		case match(e.key):
			out = append(out, Item{Key: e.key, Value: e.value, ExpireAt: e.expireAt})
			s.removeElement(el)
		}
		el = prev
	}
	return out
}

// Restore puts items back, keeping their original expiry.
func (s *Store) Restore(items []Item) {
	for _, it := range items {
		s.put(it.Key, it.Value, it.ExpireAt)
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Bytes is the total size of stored values.
func (s *Store) Bytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

func (s *Store) evictIfNeeded() {
	for s.used > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.key)
	s.used -= len(e.value)
	s.ll.Remove(el)
}
