package store

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"marmstrong/btmap/internal/maputil"
)

// flakyStore fails every call with ErrUnavailable until healed.
type flakyStore struct {
	Store
	calls  int
	broken bool
}

func (f *flakyStore) QueryMessages(ctx context.Context, t maputil.Type, fl Filter) ([]MessageRow, error) {
	f.calls++
	if f.broken {
		return nil, errors.Wrap(ErrUnavailable, "flaky")
	}
	return []MessageRow{{ID: 1, Type: t}}, nil
}

func (f *flakyStore) Close() error { return nil }

func TestResilientRetriesOnce(t *testing.T) {
	first := &flakyStore{broken: true}
	second := &flakyStore{}
	r := NewResilient(first, func(ctx context.Context) (Store, error) {
		return second, nil
	})
	rows, err := r.QueryMessages(context.Background(), maputil.TypeSmsGsm, NewFilter())
	if err != nil {
		t.Fatalf("QueryMessages failed: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("got %d rows, want 1 from reopened store", len(rows))
	}
	if first.calls != 1 || second.calls != 1 {
		t.Errorf("call counts = %d, %d, want one each", first.calls, second.calls)
	}
}

func TestResilientPropagatesOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	broken := &brokenStore{err: boom}
	r := NewResilient(broken, func(ctx context.Context) (Store, error) {
		t.Error("reopen called for a non-transient error")
		return nil, nil
	})
	if _, err := r.QueryMessages(context.Background(), maputil.TypeSmsGsm, NewFilter()); errors.Cause(err) != boom {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestResilientSecondFailurePropagates(t *testing.T) {
	first := &flakyStore{broken: true}
	second := &flakyStore{broken: true}
	r := NewResilient(first, func(ctx context.Context) (Store, error) {
		return second, nil
	})
	if _, err := r.QueryMessages(context.Background(), maputil.TypeSmsGsm, NewFilter()); errors.Cause(err) != ErrUnavailable {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if second.calls != 1 {
		t.Errorf("second store called %d times, want 1", second.calls)
	}
}

type brokenStore struct {
	Store
	err error
}

func (b *brokenStore) QueryMessages(ctx context.Context, t maputil.Type, f Filter) ([]MessageRow, error) {
	return nil, b.err
}

func (b *brokenStore) Close() error { return nil }

func TestResilientAppliesDeadline(t *testing.T) {
	slow := &deadlineStore{}
	r := NewResilient(slow, func(ctx context.Context) (Store, error) { return slow, nil })
	if _, err := r.QueryMessages(context.Background(), maputil.TypeSmsGsm, NewFilter()); err != nil {
		t.Fatalf("QueryMessages failed: %v", err)
	}
	if slow.deadline.IsZero() {
		t.Error("call had no deadline, want watchdog deadline")
	}
	if remaining := time.Until(slow.deadline); remaining > providerTimeout {
		t.Errorf("deadline %v beyond the watchdog window", remaining)
	}
}

type deadlineStore struct {
	Store
	deadline time.Time
}

func (d *deadlineStore) QueryMessages(ctx context.Context, t maputil.Type, f Filter) ([]MessageRow, error) {
	d.deadline, _ = ctx.Deadline()
	return nil, nil
}

func (d *deadlineStore) Close() error { return nil }
