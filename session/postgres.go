package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabfab/paper-agent/chat"
)

// PostgresStore persists exchanges in the rag_exchanges table. The seq column
// fixes append order within a session regardless of clock resolution.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Append(ctx context.Context, exchange chat.Exchange) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if exchange.SessionID == "" {
		return fmt.Errorf("exchange session id is empty")
	}

	citations, err := json.Marshal(exchange.Citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO rag_exchanges (id, session_id, question, answer, citations, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, exchange.ID, exchange.SessionID, exchange.Question, exchange.Answer, citations, exchange.Source, exchange.Timestamp); err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Record, error) {
	if s.pool == nil {
		return Record{}, fmt.Errorf("postgres pool is nil")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, question, answer, citations, source, created_at
		FROM rag_exchanges
		WHERE session_id = $1
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return Record{}, fmt.Errorf("query session: %w", err)
	}
	defer rows.Close()

	record := Record{SessionID: sessionID}
	for rows.Next() {
		exchange, scanErr := scanExchange(rows.Scan)
		if scanErr != nil {
			return Record{}, scanErr
		}
		record.Exchanges = append(record.Exchanges, exchange)
		if exchange.Timestamp.After(record.LastUpdated) {
			record.LastUpdated = exchange.Timestamp
		}
	}
	if rows.Err() != nil {
		return Record{}, rows.Err()
	}

	if len(record.Exchanges) == 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return record, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, question, answer, citations, source, created_at
		FROM rag_exchanges
		ORDER BY session_id, seq
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	grouped := make(map[string]*Record)
	order := make([]string, 0)
	for rows.Next() {
		exchange, scanErr := scanExchange(rows.Scan)
		if scanErr != nil {
			return nil, scanErr
		}

		record, ok := grouped[exchange.SessionID]
		if !ok {
			record = &Record{SessionID: exchange.SessionID}
			grouped[exchange.SessionID] = record
			order = append(order, exchange.SessionID)
		}
		record.Exchanges = append(record.Exchanges, exchange)
		if exchange.Timestamp.After(record.LastUpdated) {
			record.LastUpdated = exchange.Timestamp
		}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	records := make([]Record, 0, len(grouped))
	for _, id := range order {
		records = append(records, *grouped[id])
	}
	sortRecordsByLastUpdated(records)
	return records, nil
}

func (s *PostgresStore) ListExchanges(ctx context.Context) ([]chat.Exchange, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, question, answer, citations, source, created_at
		FROM rag_exchanges
		ORDER BY seq DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	exchanges := make([]chat.Exchange, 0)
	for rows.Next() {
		exchange, scanErr := scanExchange(rows.Scan)
		if scanErr != nil {
			return nil, scanErr
		}
		exchanges = append(exchanges, exchange)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return exchanges, nil
}

func scanExchange(scan func(dest ...any) error) (chat.Exchange, error) {
	var exchange chat.Exchange
	var citations []byte
	if err := scan(&exchange.ID, &exchange.SessionID, &exchange.Question, &exchange.Answer, &citations, &exchange.Source, &exchange.Timestamp); err != nil {
		return chat.Exchange{}, fmt.Errorf("scan exchange: %w", err)
	}
	if len(citations) > 0 {
		if err := json.Unmarshal(citations, &exchange.Citations); err != nil {
			return chat.Exchange{}, fmt.Errorf("unmarshal citations: %w", err)
		}
	}
	return exchange, nil
}

func sortRecordsByLastUpdated(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].LastUpdated.After(records[j].LastUpdated)
	})
}

var _ Store = (*PostgresStore)(nil)
