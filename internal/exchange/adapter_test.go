package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

// stubService implements Service with overridable hooks. Unset hooks
// return zero values.
type stubService struct {
	getItem func(ctx context.Context, id string) (*Item, error)
	del     func(ctx context.Context, id string, hard bool) error
	calls   int
}

func (s *stubService) ListCalendarFolders(context.Context) ([]Folder, error) { return nil, nil }
func (s *stubService) GetFolder(context.Context, string) (*Folder, error)   { return &Folder{}, nil }
func (s *stubService) FindItems(context.Context, string, time.Time, Page) ([]*Item, bool, error) {
	return nil, false, nil
}
func (s *stubService) SyncDelta(context.Context, string, string) (*DeltaPage, error) {
	return &DeltaPage{}, nil
}
func (s *stubService) Subscribe(context.Context, []string, []EventType, time.Duration) (*Subscription, error) {
	return &Subscription{ID: "sub"}, nil
}
func (s *stubService) Poll(context.Context, *Subscription) (*Notifications, error) {
	return &Notifications{}, nil
}
func (s *stubService) Unsubscribe(context.Context, *Subscription) error { return nil }
func (s *stubService) GetItem(ctx context.Context, id string) (*Item, error) {
	s.calls++
	if s.getItem != nil {
		return s.getItem(ctx, id)
	}
	return &Item{ID: id}, nil
}
func (s *stubService) FindOccurrence(context.Context, string, time.Time) (*Item, error) {
	return nil, ErrNotFound
}
func (s *stubService) Save(_ context.Context, item *Item, _ string) (*Item, error) { return item, nil }
func (s *stubService) Update(_ context.Context, item *Item) (*Item, error)         { return item, nil }
func (s *stubService) Delete(ctx context.Context, id string, hard bool) error {
	s.calls++
	if s.del != nil {
		return s.del(ctx, id, hard)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdapter_RetriesTransientOnce(t *testing.T) {
	stub := &stubService{}
	stub.getItem = func(_ context.Context, id string) (*Item, error) {
		if stub.calls == 1 {
			return nil, ErrTransient
		}
		return &Item{ID: id, Subject: "Standup"}, nil
	}
	a := NewAdapter(stub, "alice", testLogger())

	it, err := a.GetItem(context.Background(), "AAMk1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if it.Subject != "Standup" {
		t.Errorf("Subject = %q, want Standup", it.Subject)
	}
	if stub.calls != 2 {
		t.Errorf("calls = %d, want 2", stub.calls)
	}
}

func TestAdapter_NotFoundPassesThrough(t *testing.T) {
	stub := &stubService{getItem: func(context.Context, string) (*Item, error) {
		return nil, ErrNotFound
	}}
	a := NewAdapter(stub, "alice", testLogger())

	_, err := a.GetItem(context.Background(), "gone")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if stub.calls != 1 {
		t.Errorf("calls = %d, want 1 (not found is not retried)", stub.calls)
	}
}

func TestAdapter_DeleteOfMissingItemSucceeds(t *testing.T) {
	stub := &stubService{del: func(context.Context, string, bool) error {
		return ErrNotFound
	}}
	a := NewAdapter(stub, "alice", testLogger())

	if err := a.Delete(context.Background(), "gone", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdapter_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	stub := &stubService{getItem: func(context.Context, string) (*Item, error) {
		return nil, ErrAuth
	}}
	a := NewAdapter(stub, "alice", testLogger())
	ctx := context.Background()

	for range 6 {
		if _, err := a.GetItem(ctx, "x"); !errors.Is(err, ErrAuth) {
			t.Fatalf("err = %v, want ErrAuth", err)
		}
	}

	_, err := a.GetItem(ctx, "x")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want open breaker", err)
	}
	if stub.calls != 6 {
		t.Errorf("calls = %d, want 6 (open breaker short-circuits)", stub.calls)
	}
}

func TestAdapter_NotFoundDoesNotTripBreaker(t *testing.T) {
	stub := &stubService{getItem: func(context.Context, string) (*Item, error) {
		return nil, ErrNotFound
	}}
	a := NewAdapter(stub, "alice", testLogger())
	ctx := context.Background()

	for range 20 {
		if _, err := a.GetItem(ctx, "x"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	}
	if stub.calls != 20 {
		t.Errorf("calls = %d, want 20", stub.calls)
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"auth", ErrAuth, true},
		{"transient", ErrTransient, true},
		{"malformed", ErrMalformed, true},
		{"breaker open", gobreaker.ErrOpenState, true},
		{"cancelled", context.Canceled, true},
		{"not found", ErrNotFound, false},
		{"other", errors.New("bad request"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.want {
				t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
