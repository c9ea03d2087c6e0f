package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IndexEntry maps a provider message id back to its recipient; webhook
// events arrive keyed on the provider's id and need this to find the row
// to update.
type IndexEntry struct {
	Provider    string
	RecipientID uuid.UUID
	BatchID     uuid.UUID
	UserID      uuid.UUID
}

var ErrNotIndexed = errors.New("provider message id not indexed")

// Index is the provider-message-id lookup table with a small in-process
// cache in front. Entries are immutable once written, so the cache never
// needs invalidation.
type Index struct {
	store *Store

	mu    sync.RWMutex
	cache map[string]IndexEntry
}

const indexCacheLimit = 100_000

func NewIndex(store *Store) *Index {
	return &Index{
		store: store,
		cache: make(map[string]IndexEntry),
	}
}

func (ix *Index) Write(ctx context.Context, providerMessageID string, e IndexEntry) error {
	if providerMessageID == "" {
		return nil
	}
	query := `INSERT INTO email_message_index (provider_message_id, provider, recipient_id, batch_id, user_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider_message_id) DO NOTHING`
	if ix.store.driver == "snowflake" {
		// Snowflake has no ON CONFLICT; a replayed write leaves a
		// duplicate row and Lookup takes the first.
		query = `INSERT INTO email_message_index (provider_message_id, provider, recipient_id, batch_id, user_id)
		 VALUES (?, ?, ?, ?, ?)`
	}
	_, err := ix.store.db.ExecContext(ctx, query,
		providerMessageID, e.Provider, e.RecipientID, e.BatchID, e.UserID)
	if err != nil {
		return fmt.Errorf("failed to write message index: %w", err)
	}
	ix.put(providerMessageID, e)
	return nil
}

func (ix *Index) Lookup(ctx context.Context, providerMessageID string) (IndexEntry, error) {
	ix.mu.RLock()
	if e, ok := ix.cache[providerMessageID]; ok {
		ix.mu.RUnlock()
		return e, nil
	}
	ix.mu.RUnlock()

	var e IndexEntry
	query := `SELECT provider, recipient_id, batch_id, user_id
		 FROM email_message_index WHERE provider_message_id = ` + ix.store.placeholder(1) + ` LIMIT 1`
	err := ix.store.db.QueryRowContext(ctx, query,
		providerMessageID).Scan(&e.Provider, &e.RecipientID, &e.BatchID, &e.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return IndexEntry{}, ErrNotIndexed
	}
	if err != nil {
		return IndexEntry{}, fmt.Errorf("failed to look up message index: %w", err)
	}
	ix.put(providerMessageID, e)
	return e, nil
}

func (ix *Index) put(providerMessageID string, e IndexEntry) {
	ix.mu.Lock()
	if len(ix.cache) >= indexCacheLimit {
		ix.cache = make(map[string]IndexEntry)
	}
	ix.cache[providerMessageID] = e
	ix.mu.Unlock()
}
