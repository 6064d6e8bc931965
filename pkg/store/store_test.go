package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chronik/pkg/models"
)

func openTestStore(t *testing.T) {
	t.Helper()
	if err := Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
}

func TestUpdateViewRoundTrip(t *testing.T) {
	openTestStore(t)
	ev := &models.Event{
		EventID:        "$a:server",
		RoomID:         "!r:server",
		Type:           models.TypeMessage,
		Sender:         "@alice:server",
		OriginServerTS: 100,
		Content:        json.RawMessage(`{"body":"hi"}`),
	}
	if err := Update("!r:server", func(tx *Txn) error {
		return PutEvent(tx, ev)
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	err := View(func(s *Snap) error {
		got, err := GetEvent(s, "$a:server")
		if err != nil {
			return err
		}
		if got.Sender != "@alice:server" || got.OriginServerTS != 100 {
			t.Fatalf("unexpected event: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestGetEventNotFound(t *testing.T) {
	openTestStore(t)
	err := View(func(s *Snap) error {
		_, err := GetEvent(s, "$missing")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFailedTxnWritesNothing(t *testing.T) {
	openTestStore(t)
	boom := errors.New("boom")
	err := Update("!r", func(tx *Txn) error {
		if err := PutEvent(tx, &models.Event{EventID: "$x", RoomID: "!r", Type: "t", Sender: "@a"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	_ = View(func(s *Snap) error {
		if _, err := GetEvent(s, "$x"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("aborted txn leaked a write: %v", err)
		}
		return nil
	})
}

func TestMarkRedactedEmptiesContent(t *testing.T) {
	openTestStore(t)
	ev := &models.Event{
		EventID:     "$r",
		RoomID:      "!r",
		Type:        models.TypeMessage,
		Sender:      "@a",
		Content:     json.RawMessage(`{"body":"secret"}`),
		PrevContent: json.RawMessage(`{"body":"older"}`),
		Decryption:  &models.DecryptionResult{Cleartext: json.RawMessage(`{"body":"clear"}`)},
	}
	if err := Update("!r", func(tx *Txn) error {
		if err := PutEvent(tx, ev); err != nil {
			return err
		}
		return MarkRedacted(tx, "$r")
	}); err != nil {
		t.Fatalf("redact: %v", err)
	}
	_ = View(func(s *Snap) error {
		got, err := GetEvent(s, "$r")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(got.Content) != "{}" || got.PrevContent != nil || got.Decryption != nil {
			t.Fatalf("redaction left content behind: %+v", got)
		}
		if got.Sender != "@a" || got.Type != models.TypeMessage {
			t.Fatalf("redaction destroyed metadata: %+v", got)
		}
		return nil
	})
}

func TestNextOrdinalMonotonic(t *testing.T) {
	openTestStore(t)
	var a, b int64
	err := Update("!r", func(tx *Txn) error {
		var err error
		if a, err = NextOrdinal(tx, "!r"); err != nil {
			return err
		}
		b, err = NextOrdinal(tx, "!r")
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if b != a+1 {
		t.Fatalf("ordinals not monotonic: %d then %d", a, b)
	}
}

func TestAwaitConditionTimeout(t *testing.T) {
	openTestStore(t)
	start := time.Now()
	err := AwaitCondition(context.Background(), 80*time.Millisecond, func(s *Snap) bool {
		return false
	})
	if !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("expected ErrAwaitTimeout, got %v", err)
	}
	if time.Since(start) < 80*time.Millisecond {
		t.Fatalf("returned before the bound")
	}
}

func TestAwaitConditionObservesCommit(t *testing.T) {
	openTestStore(t)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = Update("!r", func(tx *Txn) error {
			return PutEvent(tx, &models.Event{EventID: "$later", RoomID: "!r", Type: "t", Sender: "@a"})
		})
	}()
	err := AwaitCondition(context.Background(), 2*time.Second, func(s *Snap) bool {
		_, err := GetEvent(s, "$later")
		return err == nil
	})
	if err != nil {
		t.Fatalf("await: %v", err)
	}
}
