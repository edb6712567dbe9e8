package workqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(t *testing.T, clock *fakeClock, dlq *Memory) *Memory {
	t.Helper()
	return NewMemory(Config{
		VisibilityTimeout: time.Minute,
		MaxReceiveCount:   3,
		DedupWindow:       5 * time.Minute,
		DeadLetter:        dlq,
		Now:               clock.Now,
	})
}

func receiveNow(t *testing.T, q *Memory) []Delivery {
	t.Helper()
	deliveries, err := q.Receive(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return deliveries
}

func TestPublishReceiveAck(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Publish(ctx, []byte(`{"n":1}`), "t-A", "dedup-1")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id == "" {
		t.Fatal("expected message id")
	}

	deliveries := receiveNow(t, q)
	if len(deliveries) != 1 {
		t.Fatalf("got %d deliveries want 1", len(deliveries))
	}
	if deliveries[0].ReceiveCount != 1 {
		t.Fatalf("ReceiveCount: got %d want 1", deliveries[0].ReceiveCount)
	}
	if string(deliveries[0].Body) != `{"n":1}` {
		t.Fatalf("unexpected body %q", deliveries[0].Body)
	}

	if err := q.Ack(ctx, deliveries[0].ReceiptHandle); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after ack: %d", q.Len())
	}
}

func TestDedupWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id1, err := q.Publish(ctx, []byte("a"), "t-A", "same")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	id2, err := q.Publish(ctx, []byte("a"), "t-A", "same")
	if err != nil {
		t.Fatalf("Publish dup: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("dedup ids differ: %s vs %s", id1, id2)
	}
	if q.Len() != 1 {
		t.Fatalf("got %d messages want 1", q.Len())
	}

	// Outside the window a new message is accepted.
	clock.Advance(6 * time.Minute)
	id3, err := q.Publish(ctx, []byte("a"), "t-A", "same")
	if err != nil {
		t.Fatalf("Publish after window: %v", err)
	}
	if id3 == id1 {
		t.Fatal("expected fresh message id after dedup window")
	}
	if q.Len() != 2 {
		t.Fatalf("got %d messages want 2", q.Len())
	}
}

func TestFIFOPerGroupBlocksWhileInflight(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	if _, err := q.Publish(ctx, []byte("first"), "t-A", "d1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := q.Publish(ctx, []byte("second"), "t-A", "d2"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := q.Publish(ctx, []byte("other"), "t-B", "d3"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := receiveNow(t, q)
	if len(got) != 1 || string(got[0].Body) != "first" {
		t.Fatalf("unexpected first delivery: %+v", got)
	}

	// Group t-A is blocked by the in-flight head, but t-B is deliverable.
	got2 := receiveNow(t, q)
	if len(got2) != 1 || string(got2[0].Body) != "other" {
		t.Fatalf("unexpected second delivery: %+v", got2)
	}

	// Ack the head; the next t-A message flows.
	if err := q.Ack(ctx, got[0].ReceiptHandle); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	got3 := receiveNow(t, q)
	if len(got3) != 1 || string(got3[0].Body) != "second" {
		t.Fatalf("unexpected third delivery: %+v", got3)
	}
}

func TestVisibilityExpiryRedelivers(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	if _, err := q.Publish(ctx, []byte("work"), "t-A", "d1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	first := receiveNow(t, q)
	if len(first) != 1 {
		t.Fatalf("got %d deliveries want 1", len(first))
	}

	// Still invisible before the timeout.
	clock.Advance(30 * time.Second)
	if got := receiveNow(t, q); len(got) != 0 {
		t.Fatalf("expected no redelivery before expiry, got %+v", got)
	}

	clock.Advance(31 * time.Second)
	second := receiveNow(t, q)
	if len(second) != 1 {
		t.Fatalf("expected redelivery after expiry")
	}
	if second[0].ReceiveCount != 2 {
		t.Fatalf("ReceiveCount: got %d want 2", second[0].ReceiveCount)
	}
	// The old receipt handle is stale.
	if err := q.Ack(ctx, first[0].ReceiptHandle); !errors.Is(err, ErrUnknownReceipt) {
		t.Fatalf("stale ack: got %v want ErrUnknownReceipt", err)
	}
}

func TestExtendVisibilityKeepsOwnership(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	if _, err := q.Publish(ctx, []byte("slow"), "t-A", "d1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := receiveNow(t, q)
	clock.Advance(50 * time.Second)
	if err := q.ExtendVisibility(ctx, got[0].ReceiptHandle, time.Minute); err != nil {
		t.Fatalf("ExtendVisibility: %v", err)
	}
	clock.Advance(30 * time.Second)
	if redelivered := receiveNow(t, q); len(redelivered) != 0 {
		t.Fatalf("message redelivered despite extension: %+v", redelivered)
	}
}

func TestMaxReceiveCountRoutesToDeadLetter(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	dlq := newTestQueue(t, clock, nil)
	q := newTestQueue(t, clock, dlq)
	ctx := context.Background()

	if _, err := q.Publish(ctx, []byte("poison"), "t-A", "d1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Three receives without ack, each followed by visibility expiry.
	for i := 0; i < 3; i++ {
		got := receiveNow(t, q)
		if len(got) != 1 {
			t.Fatalf("receive %d: got %d deliveries", i+1, len(got))
		}
		if got[0].ReceiveCount != i+1 {
			t.Fatalf("receive %d: ReceiveCount=%d", i+1, got[0].ReceiveCount)
		}
		clock.Advance(2 * time.Minute)
	}

	// Fourth attempt dead-letters instead of delivering.
	if got := receiveNow(t, q); len(got) != 0 {
		t.Fatalf("expected dead-letter routing, got delivery %+v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("source queue should be empty, has %d", q.Len())
	}
	moved := receiveNow(t, dlq)
	if len(moved) != 1 || string(moved[0].Body) != "poison" {
		t.Fatalf("dead letter queue: %+v", moved)
	}
}

func TestPublishValidation(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	if _, err := q.Publish(ctx, nil, "g", "d"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty body: %v", err)
	}
	if _, err := q.Publish(ctx, []byte("x"), " ", "d"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty group: %v", err)
	}
	if _, err := q.Publish(ctx, []byte("x"), "g", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty dedup: %v", err)
	}
}
