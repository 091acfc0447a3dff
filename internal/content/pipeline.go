// Package content keeps a pool of ready-to-serve questions, backed by a remote
// generator, a static fallback bank and a bounded history of served questions.
package content

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Seednode/triviabox/internal/protocol"
	"github.com/Seednode/triviabox/internal/store"
)

const (
	LowWater     = 5
	HighWater    = 10
	HistoryLimit = 100
)

// Pipeline serves questions. It is safe for concurrent use.
type Pipeline struct {
	store  store.Store
	client Client
	bank   *Bank
	logger *zap.Logger

	// mu serializes read-modify-write of the stored pool.
	mu sync.Mutex

	flight    singleflight.Group
	refilling atomic.Bool
	refills   sync.WaitGroup
	quota     atomic.Bool

	// life bounds background refills; Close cancels it.
	life context.Context
	stop context.CancelFunc
}

type Option func(*Pipeline)

// WithClient sets the generator. Without one, every batch comes from the
// fallback bank.
func WithClient(c Client) Option {
	return func(p *Pipeline) { p.client = c }
}

func WithBank(b *Bank) Option {
	return func(p *Pipeline) { p.bank = b }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func New(s store.Store, opts ...Option) *Pipeline {
	p := &Pipeline{store: s}
	p.life, p.stop = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(p)
	}
	if p.bank == nil {
		p.bank = DefaultBank()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Preload tops the pool up to target. Failures are logged and leave the pool
// as it was. Concurrent calls share one generation request.
func (p *Pipeline) Preload(ctx context.Context, target int) {
	_, _, _ = p.flight.Do("preload", func() (any, error) {
		p.preload(ctx, target)
		return nil, nil
	})
}

func (p *Pipeline) preload(ctx context.Context, target int) {
	n, err := p.Len(ctx)
	if err != nil {
		p.logger.Error("read question pool", zap.Error(err))
		return
	}
	need := target - n
	if need <= 0 {
		return
	}

	p.logger.Debug("preloading questions", zap.Int("count", need), zap.Int("pool", n))
	batch, err := p.generate(ctx, need)
	if err != nil {
		p.logger.Warn("preload failed", zap.Int("count", need), zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pool, err := p.loadPool(ctx)
	if err != nil {
		p.logger.Error("read question pool", zap.Error(err))
		return
	}
	if err := p.savePool(ctx, append(pool, batch...)); err != nil {
		p.logger.Error("write question pool", zap.Error(err))
	}
}

// Next pops the front of the pool. With an empty pool it generates a single
// question synchronously. Falling below LowWater starts one background refill
// up to HighWater.
//
// ErrQuotaExceeded is returned once the generator reports it and the pool is
// empty; the pipeline does not call the generator again afterwards.
func (p *Pipeline) Next(ctx context.Context) (protocol.Question, error) {
	p.mu.Lock()
	pool, err := p.loadPool(ctx)
	if err != nil {
		p.mu.Unlock()
		return protocol.Question{}, err
	}

	if len(pool) == 0 {
		p.mu.Unlock()
		p.logger.Warn("question pool empty, generating on demand")
		batch, err := p.generate(ctx, 1)
		if err != nil {
			return protocol.Question{}, err
		}
		p.served(ctx, batch[0])
		return batch[0], nil
	}

	q := pool[0]
	pool = pool[1:]
	err = p.savePool(ctx, pool)
	p.mu.Unlock()
	if err != nil {
		return protocol.Question{}, err
	}

	p.served(ctx, q)
	if len(pool) < LowWater {
		p.refill()
	}
	return q, nil
}

// Len returns the pool length.
func (p *Pipeline) Len(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool, err := p.loadPool(ctx)
	return len(pool), err
}

// History returns served question texts, oldest first.
func (p *Pipeline) History(ctx context.Context) ([]string, error) {
	raw, err := p.store.List(ctx, store.KeyHistory)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i] = string(v)
	}
	return out, nil
}

// QuotaExceeded reports whether generation has been shut off.
func (p *Pipeline) QuotaExceeded() bool {
	return p.quota.Load()
}

// Wait blocks until background refills have finished.
func (p *Pipeline) Wait() {
	p.refills.Wait()
}

// Close cancels any background refill and waits for it to return. Next keeps
// working afterwards but no longer refills.
func (p *Pipeline) Close() {
	p.stop()
	p.refills.Wait()
}

// refill runs detached from the caller's request, bounded by the pipeline's
// lifetime instead.
func (p *Pipeline) refill() {
	if p.quota.Load() || p.life.Err() != nil || !p.refilling.CompareAndSwap(false, true) {
		return
	}

	p.refills.Add(1)
	go func() {
		defer p.refills.Done()
		defer p.refilling.Store(false)
		p.Preload(p.life, HighWater)
	}()
}

// generate returns exactly n questions. Network and parse failures are
// replaced by fallback questions; quota exhaustion and cancellation are not.
func (p *Pipeline) generate(ctx context.Context, n int) ([]protocol.Question, error) {
	if p.client == nil {
		return p.fallback(n), nil
	}
	if p.quota.Load() {
		return nil, ErrQuotaExceeded
	}

	history, err := p.History(ctx)
	if err != nil {
		p.logger.Warn("read question history", zap.Error(err))
	}

	text, err := p.client.Complete(ctx, buildPrompt(n, history))
	var batch []protocol.Question
	if err == nil {
		batch, err = parseQuestions(text)
	}
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		p.quota.Store(true)
		p.logger.Error("generation quota exceeded, generation disabled")
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		p.logger.Warn("generation failed, using fallback bank", zap.Int("count", n), zap.Error(err))
		return p.fallback(n), nil
	}

	seen := make(map[string]struct{}, len(history)+len(batch))
	for _, h := range history {
		seen[h] = struct{}{}
	}
	p.mu.Lock()
	pool, _ := p.loadPool(ctx)
	p.mu.Unlock()
	for _, q := range pool {
		seen[q.Text] = struct{}{}
	}

	out := make([]protocol.Question, 0, n)
	for _, q := range batch {
		if len(out) == n {
			break
		}
		if _, dup := seen[q.Text]; dup {
			p.logger.Debug("dropping repeated question", zap.String("text", q.Text))
			continue
		}
		seen[q.Text] = struct{}{}
		out = append(out, q)
	}
	if short := n - len(out); short > 0 {
		p.logger.Debug("topping up batch from fallback bank", zap.Int("count", short))
		out = append(out, p.fallback(short)...)
	}
	return out, nil
}

func (p *Pipeline) fallback(n int) []protocol.Question {
	out := make([]protocol.Question, n)
	for i := range out {
		out[i] = p.bank.Draw()
	}
	return out
}

// served records q in the history unless its text is already there.
func (p *Pipeline) served(ctx context.Context, q protocol.Question) {
	history, err := p.History(ctx)
	if err != nil {
		p.logger.Warn("read question history", zap.Error(err))
		return
	}
	for _, h := range history {
		if h == q.Text {
			return
		}
	}
	if err := p.store.Append(ctx, store.KeyHistory, []byte(q.Text), HistoryLimit); err != nil {
		p.logger.Warn("record served question", zap.Error(err))
	}
}

func (p *Pipeline) loadPool(ctx context.Context) ([]protocol.Question, error) {
	var pool []protocol.Question
	err := store.GetJSON(ctx, p.store, store.KeyPool, &pool)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return pool, err
}

func (p *Pipeline) savePool(ctx context.Context, pool []protocol.Question) error {
	if pool == nil {
		pool = []protocol.Question{}
	}
	return store.SetJSON(ctx, p.store, store.KeyPool, pool)
}
