package tokenizer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned for tokens the vault does not hold.
var ErrNotFound = errors.New("tokenizer: token not found")

// Card is a vault record. The card number is only kept encrypted.
type Card struct {
	Token     string
	Encrypted []byte
	LastFour  string
	Type      string
}

// Store persists token to card mappings.
type Store interface {
	StoreCard(ctx context.Context, card Card) error
	RetrieveCard(ctx context.Context, token string) ([]byte, error)
}

// MemoryStore keeps the vault in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	cards map[string]Card
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cards: make(map[string]Card)}
}

func (s *MemoryStore) StoreCard(_ context.Context, card Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards[card.Token]; ok {
		return fmt.Errorf("tokenizer: duplicate token %s", card.Token)
	}
	s.cards[card.Token] = card
	return nil
}

func (s *MemoryStore) RetrieveCard(_ context.Context, token string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[token]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Encrypted, nil
}

// Len returns the number of stored cards.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cards)
}

const schema = `
CREATE TABLE IF NOT EXISTS credit_cards (
    token VARCHAR(64) NOT NULL PRIMARY KEY,
    card_number_encrypted BLOB NOT NULL,
    card_last_four CHAR(4) NOT NULL,
    card_type VARCHAR(16) NOT NULL,
    created_at DATETIME NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE
)`

// MySQLStore keeps the vault in the credit_cards table.
type MySQLStore struct {
	db *sql.DB
}

// OpenMySQL connects to the vault database described by dsn and makes sure
// the table exists.
func OpenMySQL(ctx context.Context, dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse vault dsn: %w", err)
	}
	cfg.ParseTime = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to vault: %w", err)
	}
	s := NewMySQLStore(db)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create vault table: %w", err)
	}
	return s, nil
}

// NewMySQLStore wraps an open database handle.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func (s *MySQLStore) StoreCard(ctx context.Context, card Card) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_cards (token, card_number_encrypted, card_last_four, card_type, created_at, is_active)
		VALUES (?, ?, ?, ?, ?, TRUE)`,
		card.Token, card.Encrypted, card.LastFour, card.Type, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store card: %w", err)
	}
	return nil
}

func (s *MySQLStore) RetrieveCard(ctx context.Context, token string) ([]byte, error) {
	var encrypted []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT card_number_encrypted FROM credit_cards
		WHERE token = ? AND is_active = TRUE`, token).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve card: %w", err)
	}
	return encrypted, nil
}

// Close closes the database handle.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
