package sync

import (
	"context"
	"errors"
	"testing"
)

func openTestCounter(t *testing.T, client *feedClient) *Counter {
	t.Helper()
	counter, err := OpenCounter(context.Background(), CounterConfig{Client: client})
	if err != nil {
		t.Fatalf("failed to open counter: %v", err)
	}
	t.Cleanup(counter.Close)
	return counter
}

func soleRow(t *testing.T, counter *Counter) CounterRow {
	t.Helper()
	rows := counter.Rows()
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(rows))
	}
	for _, row := range rows {
		return row
	}
	panic("unreachable")
}

func TestRecordCollapsesRepeatedOccurrencesIntoOneRow(t *testing.T) {
	client := newFeedClient()
	counter := openTestCounter(t, client)

	if err := counter.Record(context.Background(), "user-1", "billing", "invoice due"); err != nil {
		t.Fatalf("first occurrence failed: %v", err)
	}
	if err := counter.Record(context.Background(), "user-1", "billing", "invoice overdue"); err != nil {
		t.Fatalf("second occurrence failed: %v", err)
	}

	row := soleRow(t, counter)
	if row.Count != 2 {
		t.Fatalf("expected count 2, got %d", row.Count)
	}
	if row.Read {
		t.Fatalf("expected row to stay unread")
	}
	if row.LastMessage != "invoice overdue" {
		t.Fatalf("expected latest message kept, got %q", row.LastMessage)
	}
}

func TestRecordKeepsDistinctPairsApart(t *testing.T) {
	client := newFeedClient()
	counter := openTestCounter(t, client)

	if err := counter.Record(context.Background(), "user-1", "billing", "a"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := counter.Record(context.Background(), "user-1", "security", "b"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := counter.Record(context.Background(), "user-2", "billing", "c"); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	if len(counter.Rows()) != 3 {
		t.Fatalf("expected one row per pair, got %d", len(counter.Rows()))
	}
	for _, row := range counter.Rows() {
		if row.Count != 1 {
			t.Fatalf("expected each pair to count independently, got %d for %s/%s", row.Count, row.SubjectID, row.Category)
		}
	}
}

func TestMarkReadFreezesRowAndNextOccurrenceStartsFresh(t *testing.T) {
	client := newFeedClient()
	counter := openTestCounter(t, client)

	if err := counter.Record(context.Background(), "user-1", "billing", "first"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	frozen := soleRow(t, counter)
	if err := counter.MarkRead(context.Background(), frozen.ID); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}

	if err := counter.Record(context.Background(), "user-1", "billing", "second"); err != nil {
		t.Fatalf("record after mark read failed: %v", err)
	}

	rows := counter.Rows()
	if len(rows) != 2 {
		t.Fatalf("expected frozen row plus a new unread row, got %d", len(rows))
	}
	readRow, ok := rows[frozen.ID]
	if !ok {
		t.Fatalf("expected frozen row to be kept for history")
	}
	if !readRow.Read || readRow.Count != 1 || readRow.LastMessage != "first" {
		t.Fatalf("expected frozen row untouched, got %#v", readRow)
	}
	for id, row := range rows {
		if id == frozen.ID {
			continue
		}
		if row.Read || row.Count != 1 || row.LastMessage != "second" {
			t.Fatalf("expected fresh unread row at count 1, got %#v", row)
		}
	}
}

func TestMarkReadUnknownIDFails(t *testing.T) {
	client := newFeedClient()
	counter := openTestCounter(t, client)

	err := counter.MarkRead(context.Background(), "no-such-row")
	if !errors.Is(err, ErrUnknownCounter) {
		t.Fatalf("expected ErrUnknownCounter, got %v", err)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	client := newFeedClient()
	counter := openTestCounter(t, client)

	if err := counter.Record(context.Background(), "user-1", "billing", "once"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	row := soleRow(t, counter)

	if err := counter.MarkRead(context.Background(), row.ID); err != nil {
		t.Fatalf("first mark read failed: %v", err)
	}
	writesBefore := len(client.written)
	if err := counter.MarkRead(context.Background(), row.ID); err != nil {
		t.Fatalf("repeated mark read failed: %v", err)
	}
	if len(client.written) != writesBefore {
		t.Fatalf("expected repeated mark read to skip the write, got %d extra", len(client.written)-writesBefore)
	}
}

func TestCounterSurvivesRefresh(t *testing.T) {
	client := newFeedClient()
	counter := openTestCounter(t, client)

	if err := counter.Record(context.Background(), "user-1", "billing", "persisted"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := counter.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	row := soleRow(t, counter)
	if row.Count != 1 || row.LastMessage != "persisted" {
		t.Fatalf("expected row rebuilt from store, got %#v", row)
	}
}
