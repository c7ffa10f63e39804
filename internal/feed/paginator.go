package feed

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultNearBottomThreshold is the pixel distance from the bottom of the
// list under which the next page is requested.
const DefaultNearBottomThreshold = 80

// ScrollSignal is the scroll geometry reported by the hosting view.
type ScrollSignal struct {
	ScrollTop    float64
	ScrollHeight float64
	ClientHeight float64
}

func (s ScrollSignal) NearBottom(threshold float64) bool {
	return s.ScrollHeight-s.ScrollTop-s.ClientHeight < threshold
}

// PageFetcher loads one page of the feed.
type PageFetcher func(ctx context.Context, page int) (Page, error)

type pagerState int

const (
	pagerIdle pagerState = iota
	pagerFetching
)

// Paginator decides when the next page is fetched for one open session and
// keeps at most one page request outstanding.
type Paginator struct {
	store     *Store
	epoch     uint64
	fetch     PageFetcher
	threshold float64
	spawn     func(func())
	logger    *zap.Logger
	onApplied func(page int)
	onError   func(error)

	mu             sync.Mutex
	state          pagerState
	refreshPending bool
}

type paginatorOptions struct {
	Threshold float64
	Spawn     func(func())
	Logger    *zap.Logger
	OnApplied func(page int)
	OnError   func(error)
}

func newPaginator(store *Store, epoch uint64, fetch PageFetcher, opts paginatorOptions) *Paginator {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultNearBottomThreshold
	}
	if opts.Spawn == nil {
		opts.Spawn = func(fn func()) { go fn() }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Paginator{
		store:     store,
		epoch:     epoch,
		fetch:     fetch,
		threshold: opts.Threshold,
		spawn:     opts.Spawn,
		logger:    opts.Logger,
		onApplied: opts.OnApplied,
		onError:   opts.OnError,
	}
}

// OnScroll handles a scroll signal and reports whether it started a fetch.
func (p *Paginator) OnScroll(ctx context.Context, sig ScrollSignal) bool {
	if !sig.NearBottom(p.threshold) {
		return false
	}
	return p.LoadNext(ctx)
}

// LoadNext starts a fetch of the next page unless one is already in flight
// or the session has nothing more to load.
func (p *Paginator) LoadNext(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == pagerFetching {
		return false
	}
	page, ok := p.store.NextPage(p.epoch)
	if !ok {
		return false
	}
	p.startLocked(ctx, page)
	return true
}

// Refresh re-fetches the head of the feed. When a fetch is outstanding the
// refresh runs after it completes.
func (p *Paginator) Refresh(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.store.Current(p.epoch) {
		return false
	}
	if p.state == pagerFetching {
		p.refreshPending = true
		return false
	}
	p.startLocked(ctx, 1)
	return true
}

func (p *Paginator) Fetching() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == pagerFetching
}

func (p *Paginator) startLocked(ctx context.Context, page int) {
	p.state = pagerFetching
	p.spawn(func() { p.run(ctx, page) })
}

func (p *Paginator) run(ctx context.Context, page int) {
	result, err := p.fetch(ctx, page)
	applied := false
	if err != nil {
		p.logger.Warn("page fetch failed", zap.Uint64("epoch", p.epoch), zap.Int("page", page), zap.Error(err))
		if p.onError != nil {
			p.onError(err)
		}
	} else {
		if result.PageNumber == 0 {
			result.PageNumber = page
		}
		applied = p.store.ApplyPage(p.epoch, result)
		if !applied {
			p.logger.Debug("discarded stale page", zap.Uint64("epoch", p.epoch), zap.Int("page", page))
		}
	}

	p.mu.Lock()
	p.state = pagerIdle
	if p.refreshPending && p.store.Current(p.epoch) {
		p.refreshPending = false
		p.startLocked(ctx, 1)
	}
	p.mu.Unlock()

	if applied && p.onApplied != nil {
		p.onApplied(result.PageNumber)
	}
}
