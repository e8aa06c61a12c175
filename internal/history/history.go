// Package history persists chat messages keyed by (group, timestamp).
// Messages are immutable once written; retention is an operational
// concern, not handled here.
package history

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ktirumal2006/Study-Hub/internal/kvstore"
)

// Message is one persisted chat message.
type Message struct {
	Group     string `json:"group"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // millisecond epoch; uniqueness key with Group
}

// Store reads and writes chat messages through the key-value store.
type Store struct {
	store kvstore.Store
}

// NewStore creates a message store on top of the given backend.
func NewStore(store kvstore.Store) *Store {
	return &Store{store: store}
}

func messageKey(group string, ts int64) string {
	return group + ":" + strconv.FormatInt(ts, 10)
}

// Append writes one message. Callers on the send path treat failures as
// best-effort: real-time delivery continues even if the write fails.
func (s *Store) Append(ctx context.Context, msg Message) error {
	item := kvstore.Item{
		"group_id":   msg.Group,
		"author":     msg.Author,
		"text":       msg.Text,
		"created_at": time.UnixMilli(msg.Timestamp).UTC().Format(time.RFC3339),
	}
	item.SetInt64("timestamp", msg.Timestamp)

	key := messageKey(msg.Group, msg.Timestamp)
	if err := s.store.Put(ctx, kvstore.TableMessages, key, item); err != nil {
		return fmt.Errorf("history: append %s: %w", key, err)
	}
	return nil
}

// Recent returns the most recent messages for a group in chronological
// order (oldest first). limit <= 0 means no limit.
func (s *Store) Recent(ctx context.Context, group string, limit int) ([]Message, error) {
	items, err := s.store.Scan(ctx, kvstore.TableMessages, func(item kvstore.Item) bool {
		return item["group_id"] == group
	})
	if err != nil {
		return nil, fmt.Errorf("history: recent %s: %w", group, err)
	}

	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		msgs = append(msgs, Message{
			Group:     item["group_id"],
			Author:    item["author"],
			Text:      item["text"],
			Timestamp: item.Int64("timestamp"),
		})
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}
