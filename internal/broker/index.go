package broker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/infi-control/gateway-broker/internal/kvstore"
)

// DefaultMaxConnections caps how many connections one API key keeps.
const DefaultMaxConnections = 4

// connectionIndex maintains idx:<apiKey>, a newest-first JSON array of summaries.
//
// Every update is a read-modify-write of a single key with no compare-and-swap, so
// two appends racing on the same API key are last-writer-wins and one entry is lost.
// Pairing is a human-paced workflow, which keeps the window small in practice.
type connectionIndex struct {
	store  kvstore.Store
	max    int
	logger *slog.Logger
}

// list returns the entries for apiKey. An absent or unparseable index reads as empty,
// and entries that fail validation are skipped.
func (ix *connectionIndex) list(ctx context.Context, apiKey string) ([]ConnectionSummary, error) {
	raw, found, err := ix.store.Get(ctx, indexKey(apiKey))
	if err != nil {
		return nil, storageError(err)
	}
	entries := []ConnectionSummary{}
	if !found {
		return entries, nil
	}

	var stored []ConnectionSummary
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		ix.logger.Warn("connection index unreadable, treating as empty", "error", err)
		return entries, nil
	}
	for _, s := range stored {
		if err := s.Validate(); err != nil {
			ix.logger.Warn("dropping invalid index entry", "error", err)
			continue
		}
		entries = append(entries, s)
	}
	return entries, nil
}

// append prepends s, truncates to the cap and writes the index back. It returns the
// entries that fell off the end.
func (ix *connectionIndex) append(ctx context.Context, apiKey string, s ConnectionSummary) ([]ConnectionSummary, error) {
	current, err := ix.list(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	next := make([]ConnectionSummary, 0, len(current)+1)
	next = append(next, s)
	next = append(next, current...)

	var evicted []ConnectionSummary
	if len(next) > ix.max {
		evicted = append(evicted, next[ix.max:]...)
		next = next[:ix.max]
	}

	if err := ix.write(ctx, apiKey, next); err != nil {
		return nil, err
	}
	return evicted, nil
}

func (ix *connectionIndex) contains(ctx context.Context, apiKey, connectionID string) (bool, error) {
	entries, err := ix.list(ctx, apiKey)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.ConnectionID == connectionID {
			return true, nil
		}
	}
	return false, nil
}

// removeAll deletes every referenced connection record, then the index itself.
func (ix *connectionIndex) removeAll(ctx context.Context, apiKey string) error {
	entries, err := ix.list(ctx, apiKey)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ix.store.Delete(ctx, connKey(e.ConnectionID)); err != nil {
			return storageError(err)
		}
	}
	if err := ix.store.Delete(ctx, indexKey(apiKey)); err != nil {
		return storageError(err)
	}
	return nil
}

func (ix *connectionIndex) write(ctx context.Context, apiKey string, entries []ConnectionSummary) error {
	b, err := json.Marshal(entries)
	if err != nil {
		return ErrStorage.with("", err)
	}
	if err := ix.store.Set(ctx, indexKey(apiKey), string(b), 0); err != nil {
		return storageError(err)
	}
	return nil
}
