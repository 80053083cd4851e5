package agent

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/ashureev/evalstream/internal/domain"
)

// scriptedGenerator replays fixed fragments, then optionally fails or stalls.
type scriptedGenerator struct {
	fragments []string
	failAfter error
	stall     bool
	requests  []Request
}

func (g *scriptedGenerator) Stream(ctx context.Context, req Request) iter.Seq2[*Fragment, error] {
	g.requests = append(g.requests, req)
	return func(yield func(*Fragment, error) bool) {
		for _, f := range g.fragments {
			if !yield(&Fragment{Text: f}, nil) {
				return
			}
		}
		if g.failAfter != nil {
			yield(nil, g.failAfter)
			return
		}
		if g.stall {
			<-ctx.Done()
		}
	}
}

func (g *scriptedGenerator) Close() error { return nil }

func collect(t *testing.T, ex *Exchange) ([]Update, error) {
	t.Helper()
	var updates []Update
	for u, err := range ex.Updates() {
		if err != nil {
			return updates, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func TestExchangeSplitTagAcrossFragments(t *testing.T) {
	gen := &scriptedGenerator{fragments: []string{"Hello <<SCO", "RE: 45>>world"}}
	c := NewConsumer(gen, time.Second, nil)

	ex := c.Exchange(context.Background(), Request{Text: "Alice"})
	updates, err := collect(t, ex)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(updates))
	}
	if updates[0].Text != "Hello" {
		t.Errorf("first update text = %q, want %q", updates[0].Text, "Hello")
	}
	last := updates[len(updates)-1]
	if !last.Final {
		t.Error("last update must be final")
	}
	if last.Text != "Helloworld" {
		t.Errorf("final text = %q, want %q", last.Text, "Helloworld")
	}
	if last.Score == nil || *last.Score != 45 {
		t.Errorf("final score = %v, want 45", last.Score)
	}
	if ex.State() != StateDone {
		t.Errorf("state = %s, want done", ex.State())
	}
}

func TestExchangeEverySplitPointConverges(t *testing.T) {
	full := "Nice <<SCORE: 72>> work <<FEEDBACK: Mastered Demo Section>>"
	for i := 0; i <= len(full); i++ {
		for j := i; j <= len(full); j++ {
			gen := &scriptedGenerator{fragments: []string{full[:i], full[i:j], full[j:]}}
			updates, err := collect(t, NewConsumer(gen, 0, nil).Exchange(context.Background(), Request{}))
			if err != nil {
				t.Fatalf("split %d/%d: unexpected error %v", i, j, err)
			}
			last := updates[len(updates)-1]
			if last.Text != "Nice work" {
				t.Fatalf("split %d/%d: final text %q", i, j, last.Text)
			}
			if last.Score == nil || *last.Score != 72 {
				t.Fatalf("split %d/%d: score %v", i, j, last.Score)
			}
			if last.Feedback == nil || *last.Feedback != "Mastered Demo Section" {
				t.Fatalf("split %d/%d: feedback %v", i, j, last.Feedback)
			}
		}
	}
}

func TestExchangeUnterminatedFeedback(t *testing.T) {
	gen := &scriptedGenerator{fragments: []string{"Great job! <<FEEDBACK: needs", " more detail"}}
	updates, err := collect(t, NewConsumer(gen, 0, nil).Exchange(context.Background(), Request{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := updates[len(updates)-1]
	if last.Text != "Great job!" {
		t.Errorf("final text = %q, want %q", last.Text, "Great job!")
	}
	if last.Feedback != nil {
		t.Errorf("expected no feedback, got %q", *last.Feedback)
	}
}

func TestExchangeTransportFailure(t *testing.T) {
	boom := errors.New("connection reset")
	gen := &scriptedGenerator{fragments: []string{"partial"}, failAfter: boom}
	ex := NewConsumer(gen, 0, nil).Exchange(context.Background(), Request{})

	updates, err := collect(t, ex)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if len(updates) != 1 {
		t.Errorf("expected 1 update before failure, got %d", len(updates))
	}
	if ex.State() != StateFailed {
		t.Errorf("state = %s, want failed", ex.State())
	}
}

func TestExchangeIdleTimeout(t *testing.T) {
	gen := &scriptedGenerator{fragments: []string{"thinking"}, stall: true}
	ex := NewConsumer(gen, 50*time.Millisecond, nil).Exchange(context.Background(), Request{})

	start := time.Now()
	_, err := collect(t, ex)
	if !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("expected ErrIdleTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("idle timeout took %s", elapsed)
	}
	if ex.State() != StateFailed {
		t.Errorf("state = %s, want failed", ex.State())
	}
}

func TestExchangeCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &scriptedGenerator{stall: true}
	ex := NewConsumer(gen, 0, nil).Exchange(ctx, Request{})

	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := collect(t, ex)
	if !errors.Is(err, ErrTransport) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled transport error, got %v", err)
	}
}

func TestExchangeUpdatesNotRestartable(t *testing.T) {
	gen := &scriptedGenerator{fragments: []string{"one"}}
	ex := NewConsumer(gen, 0, nil).Exchange(context.Background(), Request{})

	if _, err := collect(t, ex); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	_, err := collect(t, ex)
	if !errors.Is(err, ErrExchangeConsumed) {
		t.Fatalf("expected ErrExchangeConsumed, got %v", err)
	}
	if len(gen.requests) != 1 {
		t.Errorf("expected exactly one backend request, got %d", len(gen.requests))
	}
}

func TestExchangeEarlyStopAbandons(t *testing.T) {
	gen := &scriptedGenerator{fragments: []string{"a", "b", "c"}}
	ex := NewConsumer(gen, 0, nil).Exchange(context.Background(), Request{})

	for range ex.Updates() {
		break
	}
	if ex.State() != StateAbandoned {
		t.Errorf("state = %s, want abandoned", ex.State())
	}
}

func TestBuildHistorySkipsStreamingAndBlank(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleAssistant, Text: "Welcome"},
		{Role: domain.RoleUser, Text: "   "},
		{Role: domain.RoleUser, Text: "Alice"},
		{Role: domain.RoleAssistant, Text: "partial", Streaming: true},
	}
	got := BuildHistory(msgs)
	want := []Turn{
		{Role: domain.RoleAssistant, Text: "Welcome"},
		{Role: domain.RoleUser, Text: "Alice"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d turns, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
