package hooks

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInterceptorPriorityOrder(t *testing.T) {
	b := New(nil, 0)
	var order []int

	b.OnIntercept("evt", func(ctx context.Context, data any) (Result, error) {
		order = append(order, 2)
		return Result{Action: ActionContinue}, nil
	}, Options{Priority: 10})
	b.OnIntercept("evt", func(ctx context.Context, data any) (Result, error) {
		order = append(order, 1)
		return Result{Action: ActionContinue}, nil
	}, Options{Priority: 5})

	if _, err := b.Emit(context.Background(), "evt", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v; want [1 2]", order)
	}
}

func TestInterceptorWaterfallAndBlock(t *testing.T) {
	b := New(nil, 0)
	b.OnIntercept("evt", func(ctx context.Context, data any) (Result, error) {
		n := data.(int)
		return Result{Action: ActionModify, Data: n + 1}, nil
	}, Options{Priority: 0})
	b.OnIntercept("evt", func(ctx context.Context, data any) (Result, error) {
		n := data.(int)
		if n != 1 {
			t.Fatalf("second handler saw %d; want modified value 1", n)
		}
		return Result{Action: ActionBlock, Reason: "stop"}, nil
	}, Options{Priority: 1})
	b.OnIntercept("evt", func(ctx context.Context, data any) (Result, error) {
		t.Fatal("third handler should not run after block")
		return Result{}, nil
	}, Options{Priority: 2})

	res, err := b.Emit(context.Background(), "evt", 0)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if res.Action != ActionBlock || res.Reason != "stop" {
		t.Fatalf("res = %+v", res)
	}
}

func TestOnceRemovedAfterFiring(t *testing.T) {
	b := New(nil, 0)
	calls := 0
	b.OnObserve("evt", func(ctx context.Context, data any) error {
		calls++
		return nil
	}, Options{Once: true})

	b.Notify(context.Background(), "evt", nil)
	b.Notify(context.Background(), "evt", nil)

	if calls != 1 {
		t.Fatalf("calls = %d; want 1", calls)
	}
}

func TestMatchPredicateDoesNotConsumeOnce(t *testing.T) {
	b := New(nil, 0)
	calls := 0
	b.OnObserve("evt", func(ctx context.Context, data any) error {
		calls++
		return nil
	}, Options{Once: true, Match: func(data any) bool { return data == "go" }})

	b.Notify(context.Background(), "evt", "skip")
	b.Notify(context.Background(), "evt", "skip")
	b.Notify(context.Background(), "evt", "go")

	if calls != 1 {
		t.Fatalf("calls = %d; want 1", calls)
	}
}

func TestObserverErrorDoesNotAbortChain(t *testing.T) {
	b := New(nil, 0)
	var errs []error
	b.OnObserverError(func(event string, err error) { errs = append(errs, err) })

	second := false
	b.OnObserve("evt", func(ctx context.Context, data any) error {
		return errors.New("boom")
	}, Options{Priority: 0})
	b.OnObserve("evt", func(ctx context.Context, data any) error {
		second = true
		return nil
	}, Options{Priority: 1})

	b.Notify(context.Background(), "evt", nil)

	if !second {
		t.Fatal("second observer should still have run")
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v; want 1 entry", errs)
	}
}

func TestReentrancyDepthExceeded(t *testing.T) {
	b := New(nil, 1)
	ctx := context.Background()

	b.OnIntercept("inner", func(ctx context.Context, data any) (Result, error) {
		return Result{Action: ActionContinue}, nil
	}, Options{})

	b.OnIntercept("outer", func(ctx context.Context, data any) (Result, error) {
		_, err := b.Emit(ctx, "inner", nil)
		return Result{}, err
	}, Options{})

	_, err := b.Emit(ctx, "outer", nil)
	if !errors.Is(err, ErrReentrancy) {
		t.Fatalf("err = %v; want ErrReentrancy", err)
	}
}

func TestInvalidActionRejected(t *testing.T) {
	b := New(nil, 0)
	b.OnIntercept("evt", func(ctx context.Context, data any) (Result, error) {
		return Result{Action: "explode"}, nil
	}, Options{})

	if _, err := b.Emit(context.Background(), "evt", nil); err == nil {
		t.Fatal("expected an execution error for an invalid action")
	}
}

func TestHandlerTimeout(t *testing.T) {
	b := New(nil, 0)
	b.OnIntercept("evt", func(ctx context.Context, data any) (Result, error) {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
		}
		return Result{Action: ActionContinue}, nil
	}, Options{Timeout: 5 * time.Millisecond})

	_, err := b.Emit(context.Background(), "evt", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v; want ErrTimeout", err)
	}
}
