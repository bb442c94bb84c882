package api

import (
	"sync"
	"time"
)

const DefaultIdemTTL = 24 * time.Hour

type IdemRecord struct {
	IdemKey     string
	Status      IdemStatus
	RequestHash string
	StatusCode  int
	Body        []byte
	CreatedAt   time.Time
}

// IdemStore holds responses keyed by merchant, route and Idempotency-Key.
type IdemStore interface {
	// Begin claims key for a new request. When the key is already held it
	// returns the existing record and false.
	Begin(record IdemRecord) (IdemRecord, bool)
	Complete(idemKey string, statusCode int, body []byte)
	Release(idemKey string)
}

type InMemoryIdemStore struct {
	mu    sync.Mutex
	items map[string]IdemRecord
	ttl   time.Duration
	now   func() time.Time
}

func NewInMemoryIdemStore() *InMemoryIdemStore {
	return &InMemoryIdemStore{items: make(map[string]IdemRecord), ttl: DefaultIdemTTL, now: time.Now}
}

func (s *InMemoryIdemStore) Begin(record IdemRecord) (IdemRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.items[record.IdemKey]; ok {
		if now.Sub(existing.CreatedAt) < s.ttl {
			return existing, false
		}
	}
	record.Status = IdemInProgress
	record.CreatedAt = now
	s.items[record.IdemKey] = record
	return record, true
}

func (s *InMemoryIdemStore) Complete(idemKey string, statusCode int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[idemKey]
	if !ok {
		return
	}
	rec.Status = IdemCompleted
	rec.StatusCode = statusCode
	rec.Body = append([]byte(nil), body...)
	s.items[idemKey] = rec
}

func (s *InMemoryIdemStore) Release(idemKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, idemKey)
}

func (s *InMemoryIdemStore) Get(idemKey string) (IdemRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[idemKey]
	return rec, ok
}
