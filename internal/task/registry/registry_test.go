package registry

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"cadence/internal/task"
	logx "cadence/pkg/logx"
)

func noopLoader(context.Context, string) ([]*task.Task, error) { return nil, nil }

func noopExec() task.Executor {
	return task.ExecutorFunc(func(context.Context, *task.Task) task.Result { return task.Succeeded(nil) })
}

func TestRegisterKeepsInsertionOrder(t *testing.T) {
	r := New(logx.Nop())
	for _, typ := range []string{"crawl", "audit", "refresh"} {
		if err := r.Register(typ, noopExec(), noopLoader); err != nil {
			t.Fatalf("Register(%s): %v", typ, err)
		}
	}
	// Re-registering must not move the type to the end.
	if err := r.Register("crawl", noopExec(), noopLoader); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	want := []string{"crawl", "audit", "refresh"}
	if got := r.Types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
}

func TestReRegisterOverwrites(t *testing.T) {
	r := New(logx.Nop())
	first := noopExec()
	second := task.ExecutorFunc(func(context.Context, *task.Task) task.Result { return task.Failed("x") })
	_ = r.Register("crawl", first, noopLoader)
	_ = r.Register("crawl", second, noopLoader)

	e, err := r.Lookup("crawl")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res := e.Executor.Execute(context.Background(), &task.Task{}); res.Success {
		t.Fatal("expected the second executor to win")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestLookupUnknown(t *testing.T) {
	r := New(logx.Nop())
	if _, err := r.Lookup("missing"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New(logx.Nop())
	if err := r.Register(" ", noopExec(), noopLoader); err == nil {
		t.Fatal("expected error for empty type")
	}
	if err := r.Register("x", nil, noopLoader); err == nil {
		t.Fatal("expected error for nil executor")
	}
	if err := r.Register("x", noopExec(), nil); err == nil {
		t.Fatal("expected error for nil loader")
	}
}
