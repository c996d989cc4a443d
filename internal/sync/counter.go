package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/helioworks/syncore/internal/platform"
	"go.uber.org/zap"
)

// ErrUnknownCounter indicates MarkRead targeted a row not in the mirror.
var ErrUnknownCounter = errors.New("sync: unknown counter row")

// DefaultCounterCollection is the remote collection backing notification
// counters.
const DefaultCounterCollection = "notification_counters"

// CounterRow collapses repeated occurrences of one (subject, category)
// pair into a single row. A row is created unread with count 1, incremented
// in place while unread, and frozen once marked read; the next occurrence
// after that starts a new unread row.
type CounterRow struct {
	ID          string
	SubjectID   string
	Category    string
	Count       int
	Read        bool
	LastMessage string
}

type counterPayload struct {
	Category    string `json:"category"`
	Count       int    `json:"count"`
	Read        bool   `json:"read"`
	LastMessage string `json:"last_message"`
}

// CounterCodec maps counter rows onto the generic record shape. The
// subject rides on the record's subject column so scope filters apply; the
// remaining fields travel in the payload.
func CounterCodec() Codec[CounterRow] {
	return Codec[CounterRow]{
		Decode: func(record platform.Record) (CounterRow, error) {
			var payload counterPayload
			if record.PayloadJSON != "" {
				if err := json.Unmarshal([]byte(record.PayloadJSON), &payload); err != nil {
					return CounterRow{}, fmt.Errorf("counter payload: %w", err)
				}
			}
			return CounterRow{
				ID:          record.ID,
				SubjectID:   record.SubjectID,
				Category:    payload.Category,
				Count:       payload.Count,
				Read:        payload.Read,
				LastMessage: payload.LastMessage,
			}, nil
		},
		Encode: func(row CounterRow) (platform.Record, error) {
			payload, err := json.Marshal(counterPayload{
				Category:    row.Category,
				Count:       row.Count,
				Read:        row.Read,
				LastMessage: row.LastMessage,
			})
			if err != nil {
				return platform.Record{}, fmt.Errorf("counter payload: %w", err)
			}
			return platform.Record{
				ID:          row.ID,
				SubjectID:   row.SubjectID,
				PayloadJSON: string(payload),
			}, nil
		},
		ID: func(row CounterRow) string {
			return row.ID
		},
	}
}

// CounterConfig describes a counter aggregator.
type CounterConfig struct {
	Collection   string
	Scope        platform.Scope
	Client       Client
	Correlations platform.IDProvider
	Logger       *zap.Logger
}

// Counter is the notification specialization of a synchronized collection:
// recording an occurrence upserts the unread row for its pair instead of
// appending a row per event.
type Counter struct {
	collection *Collection[CounterRow]
}

// OpenCounter opens the backing collection and returns the aggregator.
func OpenCounter(ctx context.Context, cfg CounterConfig) (*Counter, error) {
	name := cfg.Collection
	if name == "" {
		name = DefaultCounterCollection
	}
	collection, err := OpenCollection(ctx, CollectionConfig[CounterRow]{
		Name:         name,
		Scope:        cfg.Scope,
		Client:       cfg.Client,
		Codec:        CounterCodec(),
		Correlations: cfg.Correlations,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Counter{collection: collection}, nil
}

// Record registers one occurrence of (subjectID, category). An existing
// unread row for the pair is incremented in place with a fresh message;
// otherwise a new unread row starts at count 1. Read rows never increment.
func (c *Counter) Record(ctx context.Context, subjectID, category, message string) error {
	if existing, found := c.unreadRow(subjectID, category); found {
		existing.Count++
		existing.LastMessage = message
		_, err := c.collection.Mutate(ctx, platform.OperationUpdate, existing)
		return err
	}
	row := CounterRow{
		SubjectID:   subjectID,
		Category:    category,
		Count:       1,
		Read:        false,
		LastMessage: message,
	}
	_, err := c.collection.Mutate(ctx, platform.OperationInsert, row)
	return err
}

// MarkRead freezes the row in place. The row is kept for history; a later
// occurrence of the same pair creates a new unread row rather than
// un-reading this one.
func (c *Counter) MarkRead(ctx context.Context, id string) error {
	row, found := c.collection.Get(id)
	if !found {
		return ErrUnknownCounter
	}
	if row.Read {
		return nil
	}
	row.Read = true
	_, err := c.collection.Mutate(ctx, platform.OperationUpdate, row)
	return err
}

// Rows returns a copy of the mirrored counter rows keyed by id.
func (c *Counter) Rows() map[string]CounterRow {
	return c.collection.Items()
}

// Refresh re-fetches the backing collection.
func (c *Counter) Refresh(ctx context.Context) error {
	return c.collection.Refresh(ctx)
}

// Close tears down the backing collection.
func (c *Counter) Close() {
	c.collection.Close()
}

func (c *Counter) unreadRow(subjectID, category string) (CounterRow, bool) {
	for _, row := range c.collection.Items() {
		if row.SubjectID == subjectID && row.Category == category && !row.Read {
			return row, true
		}
	}
	return CounterRow{}, false
}
