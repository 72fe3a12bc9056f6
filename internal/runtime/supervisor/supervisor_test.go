package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCancelOnFirstError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(context.Context) error { return boom })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait err = %v, want boom", err)
	}
	if c := s.Counters(); c.Started != 2 || c.Active != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestPanicIsRecorded(t *testing.T) {
	s := New(context.Background())
	s.Go0("panics", func(context.Context) { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if s.Context().Err() != nil {
		t.Fatal("context must stay alive without cancel-on-error")
	}
}

func TestGoRestartRetriesUntilNil(t *testing.T) {
	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
}

func TestStopCancelsAndWaits(t *testing.T) {
	s := New(context.Background())
	var exited atomic.Bool
	s.Go0("loop", func(ctx context.Context) {
		<-ctx.Done()
		exited.Store(true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !exited.Load() {
		t.Fatal("goroutine did not exit before Stop returned")
	}
}
