package srt

import (
	"context"
	"errors"
	"io"
	"testing"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, string, io.Reader) error { return nil }

func TestCallerPullValidation(t *testing.T) {
	t.Parallel()
	c := NewCaller(nopPublisher{}, nil)

	tests := []struct {
		name string
		req  PullRequest
	}{
		{name: "missing address", req: PullRequest{StreamKey: "cam"}},
		{name: "missing stream key", req: PullRequest{Address: "127.0.0.1:6000"}},
		{name: "nested stream key", req: PullRequest{Address: "127.0.0.1:6000", StreamKey: "a/b"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := c.Pull(context.Background(), tc.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCallerPullRejectsActiveKey(t *testing.T) {
	t.Parallel()
	c := NewCaller(nopPublisher{}, nil)
	c.pulls["cam"] = &activePull{req: PullRequest{Address: "a", StreamKey: "cam"}, cancel: func() {}}

	err := c.Pull(context.Background(), PullRequest{Address: "127.0.0.1:6000", StreamKey: "cam"})
	if !errors.Is(err, ErrPullActive) {
		t.Errorf("err = %v, want ErrPullActive", err)
	}
}

func TestCallerStop(t *testing.T) {
	t.Parallel()
	c := NewCaller(nopPublisher{}, nil)

	if err := c.Stop("missing"); !errors.Is(err, ErrNoPull) {
		t.Errorf("err = %v, want ErrNoPull", err)
	}

	cancelled := false
	c.pulls["cam"] = &activePull{req: PullRequest{StreamKey: "cam"}, cancel: func() { cancelled = true }}
	if err := c.Stop("cam"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !cancelled {
		t.Error("Stop should cancel the pull")
	}
}

func TestCallerActivePullsSorted(t *testing.T) {
	t.Parallel()
	c := NewCaller(nopPublisher{}, nil)
	if got := c.ActivePulls(); len(got) != 0 {
		t.Fatalf("got %d pulls, want 0", len(got))
	}

	for _, key := range []string{"b", "a"} {
		c.pulls[key] = &activePull{req: PullRequest{StreamKey: key}, cancel: func() {}}
	}
	got := c.ActivePulls()
	if len(got) != 2 || got[0].StreamKey != "a" || got[1].StreamKey != "b" {
		t.Errorf("ActivePulls = %+v", got)
	}
}
