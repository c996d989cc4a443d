package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/helioworks/syncore/internal/platform"
	"go.uber.org/zap"
)

var (
	// ErrCollectionClosed indicates a call after Close.
	ErrCollectionClosed = errors.New("sync: collection closed")

	errMissingName   = errors.New("sync: collection name required")
	errMissingClient = errors.New("sync: platform client required")
	errMissingCodec  = errors.New("sync: codec required")
)

// Client is the subset of platform capabilities a collection consumes.
type Client interface {
	FetchRecords(ctx context.Context, collection string, scope platform.Scope) ([]platform.Record, error)
	Subscribe(collection string, scope platform.Scope, handler platform.EventHandler) func()
	WriteRecord(ctx context.Context, op platform.Operation, record platform.Record, correlationID string) (platform.Record, error)
}

// Codec maps between the untyped wire record and the collection's typed
// model. One codec per collection isolates the snake_case payload shape
// from the in-memory model.
type Codec[T any] struct {
	Decode func(platform.Record) (T, error)
	Encode func(T) (platform.Record, error)
	ID     func(T) string
}

// CollectionConfig describes one synchronized collection.
type CollectionConfig[T any] struct {
	Name         string
	Scope        platform.Scope
	Client       Client
	Codec        Codec[T]
	Correlations platform.IDProvider
	Logger       *zap.Logger
}

// Collection mirrors one remote collection into a keyed in-memory map. It
// populates the mirror with a snapshot fetch, then keeps it current by
// applying change-feed events scoped identically to the fetch. Mutations
// apply locally before the remote write resolves; the write's correlation
// id is remembered so the server's echo of that same change is discarded
// instead of reapplied. Each in-flight mutation carries its own id, so
// concurrent mutations on one collection suppress exactly their own echoes.
type Collection[T any] struct {
	name         string
	scope        platform.Scope
	client       Client
	codec        Codec[T]
	correlations platform.IDProvider
	logger       *zap.Logger

	mu          sync.Mutex
	items       map[string]T
	pending     map[string]struct{}
	unsubscribe func()
	closed      bool
}

// OpenCollection fetches the snapshot, then opens the change-feed
// subscription with the identical scope. The mirror is fully populated
// before OpenCollection returns; no partial state is observable.
func OpenCollection[T any](ctx context.Context, cfg CollectionConfig[T]) (*Collection[T], error) {
	if cfg.Name == "" {
		return nil, errMissingName
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.Codec.Decode == nil || cfg.Codec.Encode == nil || cfg.Codec.ID == nil {
		return nil, errMissingCodec
	}
	correlations := cfg.Correlations
	if correlations == nil {
		correlations = platform.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	collection := &Collection[T]{
		name:         cfg.Name,
		scope:        cfg.Scope,
		client:       cfg.Client,
		codec:        cfg.Codec,
		correlations: correlations,
		logger:       logger,
		items:        make(map[string]T),
		pending:      make(map[string]struct{}),
	}

	records, err := cfg.Client.FetchRecords(ctx, cfg.Name, cfg.Scope)
	if err != nil {
		return nil, fmt.Errorf("sync: initial fetch of %s: %w", cfg.Name, err)
	}
	for _, record := range records {
		model, decodeErr := cfg.Codec.Decode(record)
		if decodeErr != nil {
			logger.Warn("skipping undecodable record",
				zap.String("collection", cfg.Name),
				zap.String("record_id", record.ID),
				zap.Error(decodeErr))
			continue
		}
		collection.items[record.ID] = model
	}

	collection.unsubscribe = cfg.Client.Subscribe(cfg.Name, cfg.Scope, collection.onEvent)
	return collection, nil
}

// Name returns the remote collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

// Items returns a copy of the mirror keyed by record id.
func (c *Collection[T]) Items() map[string]T {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string]T, len(c.items))
	for id, model := range c.items {
		snapshot[id] = model
	}
	return snapshot
}

// Get returns the mirrored model for the id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	model, ok := c.items[id]
	return model, ok
}

// Len returns the mirror size.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Refresh replaces the mirror with a fresh full fetch. Used for recovery
// after a failed write or a dropped feed, not for steady-state updates. A
// refresh completing after Close is discarded.
func (c *Collection[T]) Refresh(ctx context.Context) error {
	records, err := c.client.FetchRecords(ctx, c.name, c.scope)
	if err != nil {
		return fmt.Errorf("sync: refresh of %s: %w", c.name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCollectionClosed
	}
	replacement := make(map[string]T, len(records))
	for _, record := range records {
		model, decodeErr := c.codec.Decode(record)
		if decodeErr != nil {
			c.logger.Warn("skipping undecodable record",
				zap.String("collection", c.name),
				zap.String("record_id", record.ID),
				zap.Error(decodeErr))
			continue
		}
		replacement[record.ID] = model
	}
	c.items = replacement
	return nil
}

// Mutate performs the remote write and applies the matching mirror change
// immediately, before the write is acknowledged. The local change is kept
// even when the write fails; the error is returned to the caller and a
// later Refresh reconciles the mirror with the store. The authoritative
// row arrives as the suppressed echo's record on success.
func (c *Collection[T]) Mutate(ctx context.Context, op platform.Operation, model T) (platform.Record, error) {
	record, err := c.codec.Encode(model)
	if err != nil {
		return platform.Record{}, fmt.Errorf("sync: encode for %s: %w", c.name, err)
	}
	record.Collection = c.name
	if record.TenantID == "" {
		record.TenantID = c.scope.TenantID
	}
	if record.SubjectID == "" {
		record.SubjectID = c.scope.SubjectID
	}
	if record.ID == "" && op == platform.OperationInsert {
		assigned, idErr := c.correlations.NewID()
		if idErr != nil {
			return platform.Record{}, fmt.Errorf("sync: assign id for %s: %w", c.name, idErr)
		}
		record.ID = assigned
		model, err = c.codec.Decode(record)
		if err != nil {
			return platform.Record{}, fmt.Errorf("sync: decode assigned id for %s: %w", c.name, err)
		}
	}
	if record.ID == "" {
		return platform.Record{}, fmt.Errorf("sync: mutate %s: %w", c.name, platform.ErrInvalidRecord)
	}

	correlationID, err := c.correlations.NewID()
	if err != nil {
		return platform.Record{}, fmt.Errorf("sync: correlation id for %s: %w", c.name, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return platform.Record{}, ErrCollectionClosed
	}
	c.pending[correlationID] = struct{}{}
	switch op {
	case platform.OperationDelete:
		delete(c.items, record.ID)
	default:
		c.items[record.ID] = model
	}
	c.mu.Unlock()

	written, writeErr := c.client.WriteRecord(ctx, op, record, correlationID)
	if writeErr != nil {
		c.logger.Warn("collection write failed, mirror keeps optimistic value",
			zap.String("collection", c.name),
			zap.String("record_id", record.ID),
			zap.Error(writeErr))
		return platform.Record{}, writeErr
	}
	return written, nil
}

// Close tears down the subscription. No mirror mutation occurs afterward;
// late-arriving events and in-flight refreshes are discarded.
func (c *Collection[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = make(map[string]struct{})
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Collection[T]) onEvent(event platform.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if event.CorrelationID != "" {
		if _, mine := c.pending[event.CorrelationID]; mine {
			// The server acknowledging a mutation this instance issued.
			delete(c.pending, event.CorrelationID)
			return
		}
	}
	switch event.Op {
	case platform.OperationInsert:
		if _, exists := c.items[event.Record.ID]; exists {
			// Replay from a reconnect resync.
			return
		}
		c.applyRecord(event.Record)
	case platform.OperationUpdate:
		if _, exists := c.items[event.Record.ID]; !exists {
			// Out of order relative to a concurrent delete.
			return
		}
		c.applyRecord(event.Record)
	case platform.OperationDelete:
		delete(c.items, event.Record.ID)
	}
}

// applyRecord decodes and stores the record; callers hold c.mu.
func (c *Collection[T]) applyRecord(record platform.Record) {
	model, err := c.codec.Decode(record)
	if err != nil {
		c.logger.Warn("skipping undecodable event",
			zap.String("collection", c.name),
			zap.String("record_id", record.ID),
			zap.Error(err))
		return
	}
	c.items[record.ID] = model
}
