package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const DefaultPageSize = 10

type Options struct {
	PageSize            int
	NearBottomThreshold float64
	Logger              *zap.Logger
	// OnError receives failures of background fetches and of mark-as-read.
	// They never affect the rest of the feed.
	OnError func(error)
}

func (o *Options) norm() {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.NearBottomThreshold <= 0 {
		o.NearBottomThreshold = DefaultNearBottomThreshold
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Feed ties the store, the paginator and the read-state coordinator to the
// open/close lifecycle of the feed view. All network calls run in background
// goroutines; no method blocks on I/O.
type Feed struct {
	client Client
	store  *Store
	opts   Options
	logger *zap.Logger

	countSeq atomic.Uint64
	tasks    sync.WaitGroup

	mu      sync.Mutex
	session *session
}

type session struct {
	ctx   context.Context
	epoch uint64
	pager *Paginator
	reads *ReadStateCoordinator
}

// Status is what the presentation layer renders.
type Status struct {
	Snapshot
	Fetching     bool
	MarkedAsRead bool
}

func New(client Client, opts Options) (*Feed, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	opts.norm()
	return &Feed{
		client: client,
		store:  NewStore(),
		opts:   opts,
		logger: opts.Logger,
	}, nil
}

// Open starts a new session: the store moves to a fresh epoch, page 1 is
// requested and mark-as-read is evaluated against the last known count.
// Opening an already open feed is a no-op.
func (f *Feed) Open(ctx context.Context) uint64 {
	f.mu.Lock()
	if f.session != nil {
		epoch := f.session.epoch
		f.mu.Unlock()
		return epoch
	}
	epoch := f.store.Reset()
	s := &session{ctx: ctx, epoch: epoch}
	s.pager = newPaginator(f.store, epoch, f.fetchPage, paginatorOptions{
		Threshold: f.opts.NearBottomThreshold,
		Spawn:     f.spawn,
		Logger:    f.logger,
		OnApplied: func(int) { f.evaluateReads(s) },
		OnError:   f.reportError,
	})
	s.reads = newReadStateCoordinator(f.store, epoch, f.client.MarkAllRead, readStateOptions{
		Spawn:  f.spawn,
		Logger: f.logger,
		OnSuccess: func(ctx context.Context, affected int) {
			f.RefreshUnreadCount(ctx)
			s.pager.Refresh(ctx)
		},
		OnError: f.reportError,
	})
	f.session = s
	f.mu.Unlock()

	f.logger.Debug("feed opened", zap.Uint64("epoch", epoch))
	s.pager.LoadNext(ctx)
	s.reads.Evaluate(ctx)
	f.RefreshUnreadCount(ctx)
	return epoch
}

// Close discards the session. In-flight requests are not cancelled; their
// results are rejected by the epoch guard.
func (f *Feed) Close() {
	f.mu.Lock()
	s := f.session
	f.session = nil
	f.mu.Unlock()
	if s == nil {
		return
	}
	f.store.Discard()
	f.logger.Debug("feed closed", zap.Uint64("epoch", s.epoch))
}

// Scroll forwards a scroll signal to the open session and reports whether
// it started a page fetch.
func (f *Feed) Scroll(ctx context.Context, sig ScrollSignal) bool {
	s := f.current()
	if s == nil {
		return false
	}
	return s.pager.OnScroll(ctx, sig)
}

// LoadMore requests the next page regardless of scroll position.
func (f *Feed) LoadMore(ctx context.Context) bool {
	s := f.current()
	if s == nil {
		return false
	}
	return s.pager.LoadNext(ctx)
}

// RefreshUnreadCount runs the count-only query in the background. It may be
// called whether or not the feed is open.
func (f *Feed) RefreshUnreadCount(ctx context.Context) {
	seq := f.countSeq.Add(1)
	f.spawn(func() {
		n, err := f.client.UnreadCount(ctx)
		if err != nil {
			f.logger.Warn("unread count query failed", zap.Error(err))
			f.reportError(err)
			return
		}
		if !f.store.applyUnreadCount(seq, n) {
			return
		}
		if s := f.current(); s != nil {
			f.evaluateReads(s)
		}
	})
}

func (f *Feed) UnreadCount() int {
	return f.store.UnreadCount()
}

func (f *Feed) Snapshot() Status {
	st := Status{Snapshot: f.store.Snapshot()}
	if s := f.current(); s != nil && s.epoch == st.Epoch {
		st.Fetching = s.pager.Fetching()
		st.MarkedAsRead = s.reads.Marked()
	}
	return st
}

// Wait blocks until every background request started so far has finished.
func (f *Feed) Wait() {
	f.tasks.Wait()
}

func (f *Feed) current() *session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *Feed) evaluateReads(s *session) {
	s.reads.Evaluate(s.ctx)
}

func (f *Feed) fetchPage(ctx context.Context, page int) (Page, error) {
	return f.client.ListPage(ctx, page, f.opts.PageSize)
}

func (f *Feed) spawn(fn func()) {
	f.tasks.Add(1)
	go func() {
		defer f.tasks.Done()
		fn()
	}()
}

func (f *Feed) reportError(err error) {
	if f.opts.OnError != nil {
		f.opts.OnError(err)
	}
}
