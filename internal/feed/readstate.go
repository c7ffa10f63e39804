package feed

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MarkReadFunc issues the mark-all-as-read command and returns the number of
// items the server changed.
type MarkReadFunc func(ctx context.Context) (int, error)

// ReadStateCoordinator fires mark-all-as-read at most once per open session.
// The count query and the content query arrive independently; Evaluate is
// called whenever either of them lands, in whatever order.
type ReadStateCoordinator struct {
	store     *Store
	epoch     uint64
	mark      MarkReadFunc
	spawn     func(func())
	logger    *zap.Logger
	onSuccess func(ctx context.Context, affected int)
	onError   func(error)

	mu     sync.Mutex
	marked bool
}

type readStateOptions struct {
	Spawn     func(func())
	Logger    *zap.Logger
	OnSuccess func(ctx context.Context, affected int)
	OnError   func(error)
}

func newReadStateCoordinator(store *Store, epoch uint64, mark MarkReadFunc, opts readStateOptions) *ReadStateCoordinator {
	if opts.Spawn == nil {
		opts.Spawn = func(fn func()) { go fn() }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ReadStateCoordinator{
		store:     store,
		epoch:     epoch,
		mark:      mark,
		spawn:     opts.Spawn,
		logger:    opts.Logger,
		onSuccess: opts.OnSuccess,
		onError:   opts.OnError,
	}
}

// Evaluate issues the mark-as-read command if the session is open, the last
// known unread count is positive and nothing was issued this session yet.
// The flag is set when the request is issued, not when it completes.
func (c *ReadStateCoordinator) Evaluate(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.marked || !c.store.Current(c.epoch) {
		return false
	}
	if c.store.UnreadCount() <= 0 {
		return false
	}
	c.marked = true
	c.spawn(func() { c.run(ctx) })
	return true
}

// Marked reports whether the command was issued in this session.
func (c *ReadStateCoordinator) Marked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marked
}

func (c *ReadStateCoordinator) run(ctx context.Context) {
	affected, err := c.mark(ctx)
	if err != nil {
		c.logger.Warn("mark all as read failed", zap.Uint64("epoch", c.epoch), zap.Error(err))
		if c.onError != nil {
			c.onError(err)
		}
		return
	}
	c.logger.Debug("marked all as read", zap.Uint64("epoch", c.epoch), zap.Int("affected", affected))
	if !c.store.MarkAllRead(c.epoch) {
		c.logger.Debug("session closed before mark completed; leaving items as loaded", zap.Uint64("epoch", c.epoch))
	}
	if c.onSuccess != nil {
		c.onSuccess(ctx, affected)
	}
}
