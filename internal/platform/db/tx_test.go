package db

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestLocalTransactor_NestedCallsDoNotDeadlock(t *testing.T) {
	tr := NewLocalTransactor()
	calls := 0
	err := tr.WithinTx(context.Background(), func(ctx context.Context) error {
		calls++
		return tr.WithinTx(ctx, func(context.Context) error {
			calls++
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestLocalTransactor_PropagatesError(t *testing.T) {
	want := errors.New("gate denied")
	err := NewLocalTransactor().WithinTx(context.Background(), func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestLocalTransactor_Serialises(t *testing.T) {
	tr := NewLocalTransactor()
	var (
		inside  int
		maxSeen int
		mu      sync.Mutex
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.WithinTx(context.Background(), func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("expected at most one section at a time, saw %d", maxSeen)
	}
}
