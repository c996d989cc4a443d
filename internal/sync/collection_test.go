package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"testing"

	"github.com/helioworks/syncore/internal/platform"
)

// message is a minimal synced model used across the package tests.
type message struct {
	ID   string
	Body string
}

type messagePayload struct {
	Body string `json:"body"`
}

func messageCodec() Codec[message] {
	return Codec[message]{
		Decode: func(record platform.Record) (message, error) {
			var payload messagePayload
			if record.PayloadJSON != "" {
				if err := json.Unmarshal([]byte(record.PayloadJSON), &payload); err != nil {
					return message{}, err
				}
			}
			return message{ID: record.ID, Body: payload.Body}, nil
		},
		Encode: func(model message) (platform.Record, error) {
			payload, err := json.Marshal(messagePayload{Body: model.Body})
			if err != nil {
				return platform.Record{}, err
			}
			return platform.Record{ID: model.ID, PayloadJSON: string(payload)}, nil
		},
		ID: func(model message) string { return model.ID },
	}
}

// feedClient is an in-memory platform fake: it stores records, echoes
// writes back through the subscription like the real store does, and lets
// tests inject foreign events and failures.
type feedClient struct {
	mu       stdsync.Mutex
	records  map[string]platform.Record
	handler  platform.EventHandler
	writeErr error
	echo     bool
	written  []platform.Event
}

func newFeedClient() *feedClient {
	return &feedClient{records: make(map[string]platform.Record), echo: true}
}

func (f *feedClient) FetchRecords(ctx context.Context, collection string, scope platform.Scope) ([]platform.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := make([]platform.Record, 0, len(f.records))
	for _, record := range f.records {
		snapshot = append(snapshot, record)
	}
	return snapshot, nil
}

func (f *feedClient) Subscribe(collection string, scope platform.Scope, handler platform.EventHandler) func() {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handler = nil
		f.mu.Unlock()
	}
}

func (f *feedClient) WriteRecord(ctx context.Context, op platform.Operation, record platform.Record, correlationID string) (platform.Record, error) {
	f.mu.Lock()
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return platform.Record{}, err
	}
	switch op {
	case platform.OperationDelete:
		delete(f.records, record.ID)
	default:
		f.records[record.ID] = record
	}
	event := platform.Event{Op: op, Record: record, CorrelationID: correlationID}
	f.written = append(f.written, event)
	handler := f.handler
	echo := f.echo
	f.mu.Unlock()
	if echo && handler != nil {
		handler(event)
	}
	return record, nil
}

// emit delivers a foreign change-feed event.
func (f *feedClient) emit(event platform.Event) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

func openTestCollection(t *testing.T, client *feedClient) *Collection[message] {
	t.Helper()
	collection, err := OpenCollection(context.Background(), CollectionConfig[message]{
		Name:   "messages",
		Client: client,
		Codec:  messageCodec(),
	})
	if err != nil {
		t.Fatalf("failed to open collection: %v", err)
	}
	t.Cleanup(collection.Close)
	return collection
}

func TestOpenCollectionPopulatesMirrorBeforeReturning(t *testing.T) {
	client := newFeedClient()
	client.records["m1"] = platform.Record{ID: "m1", Collection: "messages", PayloadJSON: `{"body":"hello"}`}

	collection := openTestCollection(t, client)

	stored, ok := collection.Get("m1")
	if !ok {
		t.Fatalf("expected snapshot row in mirror")
	}
	if stored.Body != "hello" {
		t.Fatalf("unexpected body %q", stored.Body)
	}
}

func TestMutateInsertSuppressesOwnEcho(t *testing.T) {
	client := newFeedClient()
	collection := openTestCollection(t, client)

	if _, err := collection.Mutate(context.Background(), platform.OperationInsert, message{Body: "first"}); err != nil {
		t.Fatalf("unexpected mutate error: %v", err)
	}

	// The fake echoed the write synchronously; the mirror must hold the
	// row exactly once.
	if collection.Len() != 1 {
		t.Fatalf("expected mirror size 1 after insert plus echo, got %d", collection.Len())
	}
}

func TestConcurrentMutationsSuppressOnlyTheirOwnEchoes(t *testing.T) {
	client := newFeedClient()
	client.echo = false
	collection := openTestCollection(t, client)

	if _, err := collection.Mutate(context.Background(), platform.OperationInsert, message{ID: "m1", Body: "v1"}); err != nil {
		t.Fatalf("first mutate failed: %v", err)
	}
	if _, err := collection.Mutate(context.Background(), platform.OperationUpdate, message{ID: "m1", Body: "v2"}); err != nil {
		t.Fatalf("second mutate failed: %v", err)
	}

	if len(client.written) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(client.written))
	}

	// Deliver the echoes late and in reverse order; both must be
	// discarded and the optimistic value kept.
	client.emit(client.written[1])
	client.emit(client.written[0])

	stored, ok := collection.Get("m1")
	if !ok || stored.Body != "v2" {
		t.Fatalf("expected optimistic v2 to survive both echoes, got %#v", stored)
	}

	// A foreign update with a different correlation id still applies.
	client.emit(platform.Event{
		Op:            platform.OperationUpdate,
		Record:        platform.Record{ID: "m1", Collection: "messages", PayloadJSON: `{"body":"remote"}`},
		CorrelationID: "foreign-writer",
	})
	stored, _ = collection.Get("m1")
	if stored.Body != "remote" {
		t.Fatalf("expected foreign update applied, got %q", stored.Body)
	}
}

func TestForeignEventsApplyInOrder(t *testing.T) {
	client := newFeedClient()
	collection := openTestCollection(t, client)

	client.emit(platform.Event{Op: platform.OperationInsert, Record: platform.Record{ID: "m1", PayloadJSON: `{"body":"a"}`}})
	client.emit(platform.Event{Op: platform.OperationUpdate, Record: platform.Record{ID: "m1", PayloadJSON: `{"body":"b"}`}})

	stored, ok := collection.Get("m1")
	if !ok || stored.Body != "b" {
		t.Fatalf("expected latest foreign value, got %#v", stored)
	}
}

func TestDuplicateInsertIsNoOp(t *testing.T) {
	client := newFeedClient()
	collection := openTestCollection(t, client)

	client.emit(platform.Event{Op: platform.OperationInsert, Record: platform.Record{ID: "m1", PayloadJSON: `{"body":"original"}`}})
	client.emit(platform.Event{Op: platform.OperationInsert, Record: platform.Record{ID: "m1", PayloadJSON: `{"body":"replayed"}`}})

	if collection.Len() != 1 {
		t.Fatalf("expected single row, got %d", collection.Len())
	}
	stored, _ := collection.Get("m1")
	if stored.Body != "original" {
		t.Fatalf("expected replay to be ignored, got %q", stored.Body)
	}
}

func TestUpdateAfterDeleteDoesNotResurrectRow(t *testing.T) {
	client := newFeedClient()
	collection := openTestCollection(t, client)

	client.emit(platform.Event{Op: platform.OperationInsert, Record: platform.Record{ID: "m5", PayloadJSON: `{"body":"x"}`}})
	client.emit(platform.Event{Op: platform.OperationDelete, Record: platform.Record{ID: "m5"}})
	client.emit(platform.Event{Op: platform.OperationUpdate, Record: platform.Record{ID: "m5", PayloadJSON: `{"body":"ghost"}`}})

	if _, ok := collection.Get("m5"); ok {
		t.Fatalf("expected out-of-order update to be ignored")
	}
}

func TestDeleteForUnknownIDIsNoOp(t *testing.T) {
	client := newFeedClient()
	collection := openTestCollection(t, client)

	client.emit(platform.Event{Op: platform.OperationDelete, Record: platform.Record{ID: "never-seen"}})

	if collection.Len() != 0 {
		t.Fatalf("expected empty mirror, got %d", collection.Len())
	}
}

func TestMutateKeepsOptimisticValueWhenWriteFails(t *testing.T) {
	client := newFeedClient()
	collection := openTestCollection(t, client)
	client.writeErr = errors.New("store unavailable")

	_, err := collection.Mutate(context.Background(), platform.OperationInsert, message{ID: "m1", Body: "hopeful"})
	if err == nil {
		t.Fatalf("expected write error to surface")
	}

	stored, ok := collection.Get("m1")
	if !ok || stored.Body != "hopeful" {
		t.Fatalf("expected optimistic value kept after failed write, got %#v", stored)
	}
}

func TestRefreshReconcilesMirrorWithStore(t *testing.T) {
	client := newFeedClient()
	collection := openTestCollection(t, client)
	client.writeErr = errors.New("store unavailable")

	if _, err := collection.Mutate(context.Background(), platform.OperationInsert, message{ID: "m1", Body: "hopeful"}); err == nil {
		t.Fatalf("expected write failure")
	}

	client.writeErr = nil
	if err := collection.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}
	if collection.Len() != 0 {
		t.Fatalf("expected refresh to drop unconfirmed row, got %d", collection.Len())
	}
}

func TestCloseStopsEventApplication(t *testing.T) {
	client := newFeedClient()
	collection := openTestCollection(t, client)

	collection.Close()
	client.emit(platform.Event{Op: platform.OperationInsert, Record: platform.Record{ID: "late", PayloadJSON: `{"body":"late"}`}})

	if collection.Len() != 0 {
		t.Fatalf("expected no application after close, got %d", collection.Len())
	}
	if err := collection.Refresh(context.Background()); !errors.Is(err, ErrCollectionClosed) {
		t.Fatalf("expected ErrCollectionClosed from refresh, got %v", err)
	}
	if _, err := collection.Mutate(context.Background(), platform.OperationInsert, message{ID: "m1"}); !errors.Is(err, ErrCollectionClosed) {
		t.Fatalf("expected ErrCollectionClosed from mutate, got %v", err)
	}
}

func TestItemsReturnsDetachedCopy(t *testing.T) {
	client := newFeedClient()
	collection := openTestCollection(t, client)

	client.emit(platform.Event{Op: platform.OperationInsert, Record: platform.Record{ID: "m1", PayloadJSON: `{"body":"a"}`}})

	snapshot := collection.Items()
	delete(snapshot, "m1")

	if collection.Len() != 1 {
		t.Fatalf("expected mirror unaffected by caller mutation, got %d", collection.Len())
	}
}

func TestOpenCollectionSkipsUndecodableRows(t *testing.T) {
	client := newFeedClient()
	client.records["good"] = platform.Record{ID: "good", PayloadJSON: `{"body":"ok"}`}
	client.records["bad"] = platform.Record{ID: "bad", PayloadJSON: `{not json`}

	collection := openTestCollection(t, client)

	if collection.Len() != 1 {
		t.Fatalf("expected only decodable rows, got %d", collection.Len())
	}
}

func TestMutateAssignsInsertID(t *testing.T) {
	client := newFeedClient()
	collection := openTestCollection(t, client)

	written, err := collection.Mutate(context.Background(), platform.OperationInsert, message{Body: "no id yet"})
	if err != nil {
		t.Fatalf("unexpected mutate error: %v", err)
	}
	if written.ID == "" {
		t.Fatalf("expected assigned id on insert")
	}
	if _, ok := collection.Get(written.ID); !ok {
		t.Fatalf("expected optimistic row under assigned id")
	}
}

func TestMutateRequiresIDForUpdate(t *testing.T) {
	client := newFeedClient()
	collection := openTestCollection(t, client)

	_, err := collection.Mutate(context.Background(), platform.OperationUpdate, message{Body: "nameless"})
	if err == nil {
		t.Fatalf("expected update without id to fail")
	}
	if !errors.Is(err, platform.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestManyCollectionsOverOneDispatcherStayIsolated(t *testing.T) {
	// Two collections over the real dispatcher-backed contract: events of
	// one must never leak into the other's mirror.
	dispatcher := platform.NewDispatcher()
	clientA := &dispatcherClient{dispatcher: dispatcher, collection: "alpha"}
	clientB := &dispatcherClient{dispatcher: dispatcher, collection: "beta"}

	collectionA, err := OpenCollection(context.Background(), CollectionConfig[message]{
		Name: "alpha", Client: clientA, Codec: messageCodec(),
	})
	if err != nil {
		t.Fatalf("failed to open alpha: %v", err)
	}
	defer collectionA.Close()

	collectionB, err := OpenCollection(context.Background(), CollectionConfig[message]{
		Name: "beta", Client: clientB, Codec: messageCodec(),
	})
	if err != nil {
		t.Fatalf("failed to open beta: %v", err)
	}
	defer collectionB.Close()

	dispatcher.Publish(platform.Event{
		Op:     platform.OperationInsert,
		Record: platform.Record{ID: "a1", Collection: "alpha", PayloadJSON: `{"body":"a"}`},
	})

	if collectionA.Len() != 1 {
		t.Fatalf("expected alpha to apply its event, got %d", collectionA.Len())
	}
	if collectionB.Len() != 0 {
		t.Fatalf("expected beta untouched, got %d", collectionB.Len())
	}
}

// dispatcherClient adapts the bare dispatcher to the Client contract for
// isolation tests; it has no backing rows.
type dispatcherClient struct {
	dispatcher *platform.Dispatcher
	collection string
}

func (d *dispatcherClient) FetchRecords(ctx context.Context, collection string, scope platform.Scope) ([]platform.Record, error) {
	return nil, nil
}

func (d *dispatcherClient) Subscribe(collection string, scope platform.Scope, handler platform.EventHandler) func() {
	return d.dispatcher.Subscribe(collection, scope, handler)
}

func (d *dispatcherClient) WriteRecord(ctx context.Context, op platform.Operation, record platform.Record, correlationID string) (platform.Record, error) {
	return platform.Record{}, fmt.Errorf("read-only test client")
}
