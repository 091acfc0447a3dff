package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Seednode/triviabox/internal/store"
)

// fakeClient answers every prompt with a fixed number of never-seen-before
// questions, or with a canned response.
type fakeClient struct {
	mu    sync.Mutex
	calls int
	next  int
	batch int

	text string
	err  error
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.text != "" {
		return f.text, nil
	}

	n := f.batch
	if n == 0 {
		n = HighWater
	}
	items := make([]item, n)
	for i := range items {
		f.next++
		items[i] = item{
			Question:     fmt.Sprintf("Generated question %d?", f.next),
			Options:      []string{"a", "b", "c", "d", "e"},
			CorrectIndex: f.next % 5,
		}
	}
	raw, _ := json.Marshal(items)
	return "```json\n" + string(raw) + "\n```", nil
}

func (f *fakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func poolLen(t *testing.T, p *Pipeline) int {
	t.Helper()
	n, err := p.Len(context.Background())
	if err != nil {
		t.Fatalf("Len() error = %v", err)
	}
	return n
}

func inBank(b *Bank, text string) bool {
	for _, it := range b.items {
		if it.Question == text {
			return true
		}
	}
	return false
}

func TestPreloadWithoutGeneratorUsesFallback(t *testing.T) {
	p := New(store.NewMemory())
	p.Preload(context.Background(), HighWater)

	if got := poolLen(t, p); got != HighWater {
		t.Fatalf("Len() = %d, want %d", got, HighWater)
	}
}

func TestPreloadNoopWhenFull(t *testing.T) {
	client := &fakeClient{}
	p := New(store.NewMemory(), WithClient(client))

	p.Preload(context.Background(), HighWater)
	p.Preload(context.Background(), HighWater)

	if got := client.Calls(); got != 1 {
		t.Fatalf("generator calls = %d, want 1", got)
	}
}

func TestPopBelowLowWaterTriggersOneRefill(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	p := New(store.NewMemory(), WithClient(client))

	p.Preload(ctx, HighWater)
	if got := poolLen(t, p); got != HighWater {
		t.Fatalf("Len() after preload = %d, want %d", got, HighWater)
	}

	for i := range 6 {
		if _, err := p.Next(ctx); err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if i < 5 && client.Calls() != 1 {
			t.Fatalf("refill started after pop %d with pool at %d", i+1, HighWater-i-1)
		}
	}
	p.Wait()

	if got := client.Calls(); got != 2 {
		t.Fatalf("generator calls = %d, want 2", got)
	}
	if got := poolLen(t, p); got != HighWater {
		t.Fatalf("Len() after refill = %d, want %d", got, HighWater)
	}
}

// stallingClient answers the first prompt, then blocks every later one until
// its context ends.
type stallingClient struct {
	fakeClient
	once    sync.Once
	stalled chan struct{}
}

func (c *stallingClient) Complete(ctx context.Context, prompt string) (string, error) {
	if c.Calls() == 0 {
		return c.fakeClient.Complete(ctx, prompt)
	}
	c.once.Do(func() { close(c.stalled) })
	<-ctx.Done()
	return "", ctx.Err()
}

func TestCloseCancelsRefill(t *testing.T) {
	ctx := context.Background()
	client := &stallingClient{stalled: make(chan struct{})}
	p := New(store.NewMemory(), WithClient(client))

	p.Preload(ctx, HighWater)
	for i := range 6 {
		if _, err := p.Next(ctx); err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
	}

	select {
	case <-client.stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("refill never reached the generator")
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() blocked on an in-flight refill")
	}

	if got := poolLen(t, p); got != HighWater-6 {
		t.Fatalf("Len() after cancelled refill = %d, want %d", got, HighWater-6)
	}

	// no refill starts once closed
	if _, err := p.Next(ctx); err != nil {
		t.Fatalf("Next() after Close error = %v", err)
	}
	p.Wait()
	if got := poolLen(t, p); got != HighWater-7 {
		t.Fatalf("Len() after Close = %d, want %d", got, HighWater-7)
	}
}

func TestNextOnEmptyPoolGeneratesSynchronously(t *testing.T) {
	client := &fakeClient{}
	p := New(store.NewMemory(), WithClient(client))

	q, err := p.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if q.Text != "Generated question 1?" {
		t.Fatalf("Next().Text = %q, want %q", q.Text, "Generated question 1?")
	}
	if got := poolLen(t, p); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestHistoryKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemory(), WithClient(&fakeClient{}))

	var served []string
	for range 150 {
		q, err := p.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		served = append(served, q.Text)
	}
	p.Wait()

	history, err := p.History(ctx)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != HistoryLimit {
		t.Fatalf("len(History()) = %d, want %d", len(history), HistoryLimit)
	}
	want := served[len(served)-HistoryLimit:]
	for i := range want {
		if history[i] != want[i] {
			t.Fatalf("History()[%d] = %q, want %q", i, history[i], want[i])
		}
	}
}

func TestRepeatedQuestionsAreReplaced(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	if err := s.Append(ctx, store.KeyHistory, []byte("Old question?"), HistoryLimit); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	client := &fakeClient{text: `[
		{"question":"Old question?","options":["a","b","c","d","e"],"correctIndex":0},
		{"question":"New question?","options":["a","b","c","d","e"],"correctIndex":1}
	]`}
	p := New(s, WithClient(client))
	p.Preload(ctx, 2)

	var texts []string
	for range 2 {
		q, err := p.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		texts = append(texts, q.Text)
	}
	if texts[0] != "New question?" {
		t.Fatalf("first question = %q, want %q", texts[0], "New question?")
	}
	if !inBank(p.bank, texts[1]) {
		t.Fatalf("second question = %q, want a fallback question", texts[1])
	}
}

func TestGenerationFailureFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
	}{
		{"network", &fakeClient{err: errors.New("connection refused")}},
		{"not json", &fakeClient{text: "The capybara declines to answer."}},
		{"wrong shape", &fakeClient{text: `[{"question":"Too few?","options":["a"],"correctIndex":0}]`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p := New(store.NewMemory(), WithClient(tt.client))

			p.Preload(ctx, 3)
			if got := poolLen(t, p); got != 3 {
				t.Fatalf("Len() = %d, want 3", got)
			}
			q, err := p.Next(ctx)
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if !inBank(p.bank, q.Text) {
				t.Fatalf("Next().Text = %q, want a fallback question", q.Text)
			}
			p.Wait()
		})
	}
}

func TestQuotaExceededIsReturned(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{err: fmt.Errorf("upstream: %w", ErrQuotaExceeded)}
	p := New(store.NewMemory(), WithClient(client))

	if _, err := p.Next(ctx); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Next() error = %v, want ErrQuotaExceeded", err)
	}
	if !p.QuotaExceeded() {
		t.Fatal("QuotaExceeded() = false, want true")
	}

	if _, err := p.Next(ctx); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("second Next() error = %v, want ErrQuotaExceeded", err)
	}
	p.Preload(ctx, HighWater)
	if got := client.Calls(); got != 1 {
		t.Fatalf("generator calls = %d, want 1", got)
	}
	if got := poolLen(t, p); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestQuotaExceededDrainsPoolFirst(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	p := New(store.NewMemory(), WithClient(client))
	p.Preload(ctx, 2)

	client.mu.Lock()
	client.err = ErrQuotaExceeded
	client.mu.Unlock()

	for i := range 2 {
		if _, err := p.Next(ctx); err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		p.Wait()
	}
	if _, err := p.Next(ctx); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Next() on drained pool error = %v, want ErrQuotaExceeded", err)
	}
}

func TestPoolSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	New(s, WithClient(&fakeClient{})).Preload(ctx, HighWater)

	client := &fakeClient{}
	p := New(s, WithClient(client))
	q, err := p.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if q.Text != "Generated question 1?" {
		t.Fatalf("Next().Text = %q, want the persisted front of the pool", q.Text)
	}
	if got := client.Calls(); got != 0 {
		t.Fatalf("generator calls = %d, want 0", got)
	}
}
