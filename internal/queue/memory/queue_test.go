package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan crawler.URLRecord, 1)
	errCh := make(chan error, 1)

	go func() {
		rec, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- rec
	}()

	rec := crawler.NewURLRecord("https://www.lemonde.fr/a", "parité", time.Time{})
	if err := q.Enqueue(context.Background(), rec); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.RawURL != rec.RawURL || got.Domain != "lemonde.fr" {
			t.Fatalf("unexpected record %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return record")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue(1)
	if err := qEnqueue.Enqueue(context.Background(), crawler.URLRecord{RawURL: "primed"}); err != nil {
		t.Fatalf("failed to prime enqueue queue: %v", err)
	}
	if qEnqueue.Len() != 1 {
		t.Fatalf("expected one buffered record, got %d", qEnqueue.Len())
	}
	if err := qEnqueue.Enqueue(ctx, crawler.URLRecord{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
	// Buffered records are not handed out once the caller's context is done.
	if _, err := qEnqueue.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled dequeue, got %v", err)
	}
}

func TestQueueCloseDrainsThenErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	if err := q.Enqueue(context.Background(), crawler.URLRecord{RawURL: "a"}); err != nil {
		t.Fatal(err)
	}
	q.Close()
	if rec, err := q.Dequeue(context.Background()); err != nil || rec.RawURL != "a" {
		t.Fatalf("expected buffered record after close, got %+v, %v", rec, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// Closing twice should be safe.
	q.Close()
}
