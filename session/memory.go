package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fabfab/paper-agent/chat"
)

// MemoryStore keeps the session log in process memory. Appends to the same
// session serialize on one mutex; reads return copies so callers never see a
// slice that later mutates.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Record
	order    []chat.Exchange
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*Record{}}
}

func (s *MemoryStore) Append(_ context.Context, exchange chat.Exchange) error {
	if exchange.SessionID == "" {
		return fmt.Errorf("exchange session id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sessions[exchange.SessionID]
	if !ok {
		record = &Record{SessionID: exchange.SessionID}
		s.sessions[exchange.SessionID] = record
	}
	record.Exchanges = append(record.Exchanges, exchange)
	if exchange.Timestamp.After(record.LastUpdated) {
		record.LastUpdated = exchange.Timestamp
	}
	s.order = append(s.order, exchange)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.sessions[sessionID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return copyRecord(record), nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]Record, 0, len(s.sessions))
	for _, record := range s.sessions {
		records = append(records, copyRecord(record))
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].LastUpdated.After(records[j].LastUpdated)
	})
	return records, nil
}

// ListExchanges returns all exchanges newest first.
func (s *MemoryStore) ListExchanges(_ context.Context) ([]chat.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exchanges := make([]chat.Exchange, len(s.order))
	for i, exchange := range s.order {
		exchanges[len(s.order)-1-i] = exchange
	}
	return exchanges, nil
}

func copyRecord(record *Record) Record {
	exchanges := make([]chat.Exchange, len(record.Exchanges))
	copy(exchanges, record.Exchanges)
	return Record{
		SessionID:   record.SessionID,
		Exchanges:   exchanges,
		LastUpdated: record.LastUpdated,
	}
}

var _ Store = (*MemoryStore)(nil)
