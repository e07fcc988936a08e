package enrichment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-notepad/internal/config"
	"github.com/loqalabs/loqa-notepad/internal/eventstore"
	"github.com/loqalabs/loqa-notepad/internal/notebook"
	"github.com/loqalabs/loqa-notepad/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// gatedEnricher answers each sentence only once its gate is released.
type gatedEnricher struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	results map[string]protocol.EnrichmentResult
	errs    map[string]error
	calls   []string
}

func newGatedEnricher() *gatedEnricher {
	return &gatedEnricher{
		gates:   map[string]chan struct{}{},
		results: map[string]protocol.EnrichmentResult{},
		errs:    map[string]error{},
	}
}

func (g *gatedEnricher) gate(text string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[text]
	if !ok {
		ch = make(chan struct{})
		g.gates[text] = ch
	}
	return ch
}

func (g *gatedEnricher) Enrich(ctx context.Context, text string) (protocol.EnrichmentResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, text)
	g.mu.Unlock()
	select {
	case <-g.gate(text):
	case <-ctx.Done():
		return protocol.EnrichmentResult{}, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.errs[text]; err != nil {
		return protocol.EnrichmentResult{}, err
	}
	return g.results[text], nil
}

func (g *gatedEnricher) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type recordedEvent struct {
	sessionID string
	eventType string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeRecorder) Record(_ context.Context, sessionID, eventType string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{sessionID, eventType})
}

func (r *fakeRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.eventType)
	}
	return out
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *fakePublisher) PublishJSON(subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func enabledConfig() config.EnrichmentConfig {
	return config.EnrichmentConfig{Enabled: true, Mode: "mock", MinChars: 2}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLaterCompletionPrependsOverEarlier(t *testing.T) {
	g := newGatedEnricher()
	g.results["S1 sentence."] = protocol.EnrichmentResult{Terms: []protocol.Term{{Word: "a1"}, {Word: "a2"}}, Notes: "n1"}
	g.results["S2 sentence."] = protocol.EnrichmentResult{Terms: []protocol.Term{{Word: "b1"}}, Notes: "n2"}

	nb := notebook.New()
	pub := &fakePublisher{}
	d := NewDispatcher(context.Background(), enabledConfig(), g, nb, pub, nil, newLogger())

	if !d.Dispatch("s", "S1 sentence.") || !d.Dispatch("s", "S2 sentence.") {
		t.Fatal("expected both sentences dispatched")
	}
	waitFor(t, "both requests in flight", func() bool { return g.callCount() == 2 })

	close(g.gate("S2 sentence."))
	waitFor(t, "S2 merge", func() bool { return len(nb.Snapshot().Terms) == 1 })
	close(g.gate("S1 sentence."))
	d.Close(context.Background())

	snap := nb.Snapshot()
	want := []protocol.Term{{Word: "a1"}, {Word: "a2"}, {Word: "b1"}}
	if !reflect.DeepEqual(snap.Terms, want) {
		t.Fatalf("expected S1 terms prepended over S2, got %+v", snap.Terms)
	}
	if snap.Notes != "n1\nn2" {
		t.Fatalf("unexpected notes %q", snap.Notes)
	}
	if len(pub.subjects) != 2 || pub.subjects[0] != protocol.SubjectEnrichmentMerged {
		t.Fatalf("expected two merged publications, got %v", pub.subjects)
	}
}

func TestMostRecentCompletionIsOnTop(t *testing.T) {
	g := newGatedEnricher()
	g.results["first."] = protocol.EnrichmentResult{Terms: []protocol.Term{{Word: "s1"}}}
	g.results["second."] = protocol.EnrichmentResult{Terms: []protocol.Term{{Word: "s2"}}}

	nb := notebook.New()
	d := NewDispatcher(context.Background(), enabledConfig(), g, nb, nil, nil, newLogger())
	d.Dispatch("s", "first.")
	d.Dispatch("s", "second.")
	waitFor(t, "both requests in flight", func() bool { return g.callCount() == 2 })

	close(g.gate("first."))
	waitFor(t, "first merge", func() bool { return len(nb.Snapshot().Terms) == 1 })
	close(g.gate("second."))
	d.Close(context.Background())

	got := nb.Snapshot().Terms
	if len(got) != 2 || got[0].Word != "s2" || got[1].Word != "s1" {
		t.Fatalf("expected [s2 s1], got %+v", got)
	}
}

func TestFailureLeavesStateUntouched(t *testing.T) {
	g := newGatedEnricher()
	g.results["good one."] = protocol.EnrichmentResult{Terms: []protocol.Term{{Word: "kept", Mean: "m"}}, Notes: "kept note"}
	g.errs["bad one."] = &Error{Backend: "http", Op: "status", Err: errors.New("502 Bad Gateway")}
	close(g.gate("good one."))
	close(g.gate("bad one."))

	nb := notebook.New()
	nb.CloseSentence("good one.")
	rec := &fakeRecorder{}
	pub := &fakePublisher{}
	d := NewDispatcher(context.Background(), enabledConfig(), g, nb, pub, rec, newLogger())

	d.Dispatch("s", "good one.")
	waitFor(t, "good merge", func() bool { return len(nb.Snapshot().Terms) == 1 })
	before := nb.Snapshot()

	d.Dispatch("s", "bad one.")
	d.Close(context.Background())

	if after := nb.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("failed enrichment changed state:\n%+v\n%+v", before, after)
	}
	types := rec.types()
	if len(types) != 2 || types[0] != eventstore.TypeEnrichmentMerged || types[1] != eventstore.TypeEnrichmentFailed {
		t.Fatalf("unexpected timeline %v", types)
	}
	if len(pub.subjects) != 1 {
		t.Fatalf("failure must not publish, got %v", pub.subjects)
	}
}

func TestShortSentencesAreSkipped(t *testing.T) {
	g := newGatedEnricher()
	d := NewDispatcher(context.Background(), enabledConfig(), g, notebook.New(), nil, nil, newLogger())
	defer d.Close(context.Background())

	for _, s := range []string{"", "好", " 。 ", "a"} {
		if d.Dispatch("s", s) {
			t.Fatalf("%q should be skipped", s)
		}
	}
	if g.callCount() != 0 {
		t.Fatalf("enricher called %d times", g.callCount())
	}
}

func TestDisabledDispatcherSkipsEverything(t *testing.T) {
	cfg := enabledConfig()
	cfg.Enabled = false
	d := NewDispatcher(context.Background(), cfg, newGatedEnricher(), notebook.New(), nil, nil, newLogger())
	if d.Dispatch("s", "完整的一句话。") {
		t.Fatal("disabled dispatcher should not dispatch")
	}
}

func TestCloseCancelsAfterDeadline(t *testing.T) {
	g := newGatedEnricher()
	nb := notebook.New()
	rec := &fakeRecorder{}
	d := NewDispatcher(context.Background(), enabledConfig(), g, nb, nil, rec, newLogger())
	d.Dispatch("s", "never answered.")
	waitFor(t, "request in flight", func() bool { return g.callCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d.Close(ctx)

	if len(nb.Snapshot().Terms) != 0 {
		t.Fatal("cancelled request must not merge")
	}
	if types := rec.types(); len(types) != 1 || types[0] != eventstore.TypeEnrichmentFailed {
		t.Fatalf("expected failure recorded, got %v", types)
	}
	if d.Dispatch("s", "after close.") {
		t.Fatal("dispatch after close should be refused")
	}
}

func TestTimeoutFailsSlowRequest(t *testing.T) {
	cfg := enabledConfig()
	cfg.TimeoutMS = 10
	g := newGatedEnricher()
	nb := notebook.New()
	d := NewDispatcher(context.Background(), cfg, g, nb, nil, nil, newLogger())
	d.Dispatch("s", "slow sentence.")
	d.Close(context.Background())
	if len(nb.Snapshot().Terms) != 0 {
		t.Fatal("timed out request must not merge")
	}
}
