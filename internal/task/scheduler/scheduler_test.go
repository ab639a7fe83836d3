package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "chatpush/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "0 3 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "24h", kind: SpecInterval, source: "duration", duration: 24 * time.Hour},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every hhmm", raw: "every:00:50", kind: SpecInterval, source: "hhmm", duration: 50 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "-5m", "01:75", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestAddScheduleRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	err := s.AddSchedule("x", "cron:99 * * * *", 0, func(context.Context) error { return nil })
	if err == nil {
		t.Fatalf("expected cron validation error")
	}
}

func TestTriggerSkipsOverlap(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var runs atomic.Int32
	err := s.AddSchedule("job", "24h", time.Minute, func(ctx context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if ok, err := s.Trigger("job"); !ok || err != nil {
		t.Fatalf("first trigger: ok=%v err=%v", ok, err)
	}
	<-started
	if ok, _ := s.Trigger("job"); ok {
		t.Fatalf("overlapping trigger must be skipped")
	}
	close(release)

	deadline := time.After(time.Second)
	for {
		e := s.Entries()
		if len(e) == 1 && !e[0].Running {
			if e[0].Skipped != 1 || e[0].Runs != 1 {
				t.Fatalf("unexpected entry %+v", e[0])
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job did not finish")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if runs.Load() != 1 {
		t.Fatalf("want 1 run, got %d", runs.Load())
	}
}

func TestJobPanicIsRecorded(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.AddSchedule("boom", "@daily", 0, func(context.Context) error { panic("bad") }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.Trigger("boom"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	deadline := time.After(time.Second)
	for {
		e := s.Entries()[0]
		if e.LastErr != "" && !e.Running {
			if e.Next.IsZero() {
				t.Fatalf("cron entry should have a next run")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("panic not recorded")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRemoveAndUnknown(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	_ = s.AddSchedule("a", "1h", 0, func(context.Context) error { return nil })
	if !s.Remove("a") || s.Remove("a") {
		t.Fatalf("remove should succeed once")
	}
	if _, err := s.Trigger("a"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("want ErrUnknownSchedule, got %v", err)
	}
}

func TestApplyWhileTicking(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	var runs atomic.Int64
	if err := s.AddSchedule("tick", "cron:* * * * * *", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		zones := []string{"UTC", "Europe/Madrid"}
		deadline := time.Now().Add(3 * time.Second)
		for i := 0; time.Now().Before(deadline); i++ {
			s.Apply(Config{Timezone: zones[i%2]})
			time.Sleep(5 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("Apply blocked while jobs were firing")
	}
	if len(s.Entries()) != 1 {
		t.Fatalf("schedule lost across timezone changes")
	}
}
