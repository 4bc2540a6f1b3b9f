package events

import (
	"context"
	"errors"
	"testing"
)

type capture struct {
	got []Event
	err error
}

func (c *capture) Publish(ctx context.Context, ev Event) error {
	c.got = append(c.got, ev)
	return c.err
}

func TestEmit(t *testing.T) {
	ctx := context.Background()

	t.Run("stamps occurrence time", func(t *testing.T) {
		c := &capture{}
		Emit(ctx, c, Event{Type: FileUploaded, FileID: "f1"})
		if len(c.got) != 1 {
			t.Fatalf("expected 1 event, got %d", len(c.got))
		}
		if c.got[0].OccurredAt.IsZero() {
			t.Error("expected occurred_at to be set")
		}
	})

	t.Run("delivery failure is swallowed", func(t *testing.T) {
		c := &capture{err: errors.New("broker down")}
		Emit(ctx, c, Event{Type: FileDeleted})
		if len(c.got) != 1 {
			t.Error("expected publish attempt")
		}
	})

	t.Run("nil publisher", func(t *testing.T) {
		Emit(ctx, nil, Event{Type: FileExpired})
	})

	t.Run("nop", func(t *testing.T) {
		if err := (Nop{}).Publish(ctx, Event{}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
