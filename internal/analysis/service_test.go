package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProvider struct {
	mu        sync.Mutex
	states    []State
	gets      int
	generated string
	genErr    error
	uploadErr error
	deleted   map[string]int
	prompts   []string
}

func (f *fakeProvider) Upload(_ context.Context, _, mimeType, displayName string) (Artifact, error) {
	if f.uploadErr != nil {
		return Artifact{}, f.uploadErr
	}
	return Artifact{Name: "files/abc", DisplayName: displayName, MimeType: mimeType, URI: "https://files/abc", State: StateProcessing}, nil
}

func (f *fakeProvider) Get(_ context.Context, name string) (Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := StateProcessing
	if f.gets < len(f.states) {
		state = f.states[f.gets]
	} else if len(f.states) > 0 {
		state = f.states[len(f.states)-1]
	}
	f.gets++
	return Artifact{Name: name, URI: "https://files/abc", MimeType: "video/mp4", State: state}, nil
}

func (f *fakeProvider) Generate(_ context.Context, _ Artifact, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.generated, f.genErr
}

func (f *fakeProvider) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted == nil {
		f.deleted = map[string]int{}
	}
	f.deleted[name]++
	return nil
}

func fastPolicy() PollPolicy {
	return PollPolicy{Interval: time.Millisecond, MaxPolls: 5, MaxWait: time.Second}
}

func TestAwaitReadyTransitionsToActive(t *testing.T) {
	p := &fakeProvider{states: []State{StateProcessing, StateProcessing, StateActive}}
	svc := NewService(p, fastPolicy(), nil)

	a, err := svc.AwaitReady(context.Background(), Artifact{Name: "files/abc", State: StateProcessing})
	if err != nil {
		t.Fatalf("await ready: %v", err)
	}
	if a.State != StateActive {
		t.Fatalf("expected ACTIVE, got %s", a.State)
	}
	if p.gets != 3 {
		t.Fatalf("expected 3 polls, got %d", p.gets)
	}
}

func TestAwaitReadyFailedIsRejected(t *testing.T) {
	p := &fakeProvider{states: []State{StateProcessing, StateFailed}}
	svc := NewService(p, fastPolicy(), nil)

	_, err := svc.AwaitReady(context.Background(), Artifact{Name: "files/abc", State: StateProcessing})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if p.gets != 2 {
		t.Fatalf("expected polling to stop at FAILED, got %d polls", p.gets)
	}
}

func TestAwaitReadyBoundedByPollCount(t *testing.T) {
	p := &fakeProvider{states: []State{StateProcessing}}
	svc := NewService(p, fastPolicy(), nil)

	_, err := svc.AwaitReady(context.Background(), Artifact{Name: "files/abc", State: StateProcessing})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if p.gets != 6 {
		t.Fatalf("expected 1 poll plus 5 retries, got %d", p.gets)
	}
}

func TestAwaitReadyBoundedByWallClock(t *testing.T) {
	p := &fakeProvider{states: []State{StateProcessing}}
	svc := NewService(p, PollPolicy{Interval: 10 * time.Millisecond, MaxPolls: 1000, MaxWait: 50 * time.Millisecond}, nil)

	start := time.Now()
	_, err := svc.AwaitReady(context.Background(), Artifact{Name: "files/abc", State: StateProcessing})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("wait was not bounded: %s", elapsed)
	}
}

func TestAwaitReadyHonorsCancellation(t *testing.T) {
	p := &fakeProvider{states: []State{StateProcessing}}
	svc := NewService(p, PollPolicy{Interval: time.Hour, MaxPolls: 10, MaxWait: 2 * time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.AwaitReady(ctx, Artifact{Name: "files/abc", State: StateProcessing})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAnalyzeReleasesOnEveryPath(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		p := &fakeProvider{states: []State{StateActive}, generated: `{"status":"safe"}`}
		svc := NewService(p, fastPolicy(), nil)
		text, err := svc.Analyze(context.Background(), "/tmp/x.mp4", "", "clip")
		if err != nil || text != `{"status":"safe"}` {
			t.Fatalf("analyze: text=%q err=%v", text, err)
		}
		if p.deleted["files/abc"] != 1 {
			t.Fatalf("expected artifact released once, got %d", p.deleted["files/abc"])
		}
		if len(p.prompts) != 1 || p.prompts[0] != ModerationPrompt {
			t.Fatalf("expected a single moderation prompt, got %v", p.prompts)
		}
	})
	t.Run("rejected", func(t *testing.T) {
		p := &fakeProvider{states: []State{StateFailed}}
		svc := NewService(p, fastPolicy(), nil)
		if _, err := svc.Analyze(context.Background(), "/tmp/x.mp4", "", "clip"); !errors.Is(err, ErrRejected) {
			t.Fatalf("expected ErrRejected, got %v", err)
		}
		if p.deleted["files/abc"] != 1 {
			t.Fatalf("expected artifact released after rejection")
		}
	})
	t.Run("generate fails", func(t *testing.T) {
		p := &fakeProvider{states: []State{StateActive}, genErr: ErrUnavailable}
		svc := NewService(p, fastPolicy(), nil)
		if _, err := svc.Analyze(context.Background(), "/tmp/x.mp4", "", "clip"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
		if p.deleted["files/abc"] != 1 {
			t.Fatalf("expected artifact released after classify failure")
		}
	})
}

func TestReleaseEmptyNameIsNoop(t *testing.T) {
	p := &fakeProvider{}
	svc := NewService(p, fastPolicy(), nil)
	if err := svc.Release(context.Background(), ""); err != nil {
		t.Fatalf("release empty: %v", err)
	}
	if len(p.deleted) != 0 {
		t.Fatalf("expected no provider call for empty name")
	}
}
