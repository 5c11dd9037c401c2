package health

import (
	"context"
	"errors"
	"testing"
)

func TestOverallHealthyWhenAllChecksPass(t *testing.T) {
	tr := NewTracker()
	tr.Register("mount", func(ctx context.Context) error { return nil })
	tr.Register("remote", func(ctx context.Context) error { return nil })

	tr.RunAll(context.Background())
	if got := tr.GetOverallHealth(); got != StateHealthy {
		t.Fatalf("GetOverallHealth() = %v, want healthy", got)
	}
}

func TestOverallUnavailableWhenAnyCheckFails(t *testing.T) {
	tr := NewTracker()
	tr.Register("mount", func(ctx context.Context) error { return nil })
	tr.Register("remote", func(ctx context.Context) error { return errors.New("connection refused") })

	tr.RunAll(context.Background())
	if got := tr.GetOverallHealth(); got != StateUnavailable {
		t.Fatalf("GetOverallHealth() = %v, want unavailable", got)
	}

	components := tr.GetAllComponents()
	if components["remote"].Error == "" {
		t.Error("expected remote check's error to be recorded")
	}
}

func TestOverallDegradedWhenUnchecked(t *testing.T) {
	tr := NewTracker()
	tr.Register("changefeed", func(ctx context.Context) error { return nil })

	if got := tr.GetOverallHealth(); got != StateDegraded {
		t.Fatalf("GetOverallHealth() before RunAll = %v, want degraded", got)
	}
}

func TestNoChecksRegisteredIsHealthy(t *testing.T) {
	tr := NewTracker()
	if got := tr.GetOverallHealth(); got != StateHealthy {
		t.Fatalf("GetOverallHealth() with no checks = %v, want healthy", got)
	}
}
