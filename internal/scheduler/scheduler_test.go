package scheduler

import (
	"context"
	"testing"

	"github.com/nxlb/turnplane/internal/config"
)

func TestNewRejectsInvalidExpr(t *testing.T) {
	jobs := []config.CronJob{{Name: "bad", Expr: "not a cron expr", Enabled: true, SessionID: "s"}}
	_, err := New(jobs, func(context.Context, config.CronJob) error { return nil }, nil)
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestNewSkipsDisabledJobs(t *testing.T) {
	jobs := []config.CronJob{{Name: "off", Expr: "not a cron expr", Enabled: false, SessionID: "s"}}
	s, err := New(jobs, func(context.Context, config.CronJob) error { return nil }, nil)
	if err != nil {
		t.Fatalf("disabled job with invalid expr should not block New: %v", err)
	}
	if len(s.jobs) != 0 {
		t.Fatalf("expected disabled job to be filtered out, got %d", len(s.jobs))
	}
}

func TestWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	run := func(context.Context, config.CronJob) error {
		calls++
		return errTest
	}
	wrapped := WithRetry(run, RetryConfig{MaxRetries: 2, BaseDelay: 0, MaxDelay: 0}, nil)
	err := wrapped(context.Background(), config.CronJob{Name: "j"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", calls)
	}
}

var errTest = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
