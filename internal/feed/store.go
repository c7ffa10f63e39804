package feed

import (
	"sort"
	"sync"
)

// Store holds the deduplicated, newest-first view of the feed for the
// current open session. Session state is discarded on close; the unread
// counter survives because the badge is shown while the feed is closed.
type Store struct {
	mu    sync.Mutex
	epoch uint64
	state *sessionState

	unread        int
	unreadKnown   bool
	unreadApplied uint64
}

type sessionState struct {
	items       []Item
	seen        map[ItemID]struct{}
	currentPage int
	pageLoaded  bool
	hasMore     bool
}

// Snapshot is a copy of the store suitable for rendering.
type Snapshot struct {
	Epoch       uint64
	Open        bool
	Items       []Item
	CurrentPage int
	HasMore     bool
	UnreadCount int
	UnreadKnown bool
}

func NewStore() *Store {
	return &Store{}
}

// Reset starts a fresh session and returns its epoch. Any result tagged with
// an earlier epoch is rejected from now on.
func (s *Store) Reset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.state = &sessionState{
		seen:        map[ItemID]struct{}{},
		currentPage: 1,
		hasMore:     true,
	}
	return s.epoch
}

// Discard drops the session state. The epoch is left as is, so late results
// for it are rejected because no session is open, and the next Reset moves past it.
func (s *Store) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
}

// Current reports whether epoch names the open session.
func (s *Store) Current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != nil && s.epoch == epoch
}

// ApplyPage merges a fetched page. Page 1 replaces the items; later pages
// append only ids not seen yet. It returns false when the page was discarded.
func (s *Store) ApplyPage(epoch uint64, page Page) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || epoch != s.epoch {
		return false
	}
	st := s.state
	if page.PageNumber <= 1 {
		st.items = make([]Item, 0, len(page.Items))
		st.seen = make(map[ItemID]struct{}, len(page.Items))
	}
	for _, item := range page.Items {
		if _, dup := st.seen[item.ID]; dup {
			continue
		}
		st.seen[item.ID] = struct{}{}
		st.items = append(st.items, item)
	}
	sort.SliceStable(st.items, func(i, j int) bool {
		return st.items[i].CreatedAt.After(st.items[j].CreatedAt)
	})
	pageNumber := page.PageNumber
	if pageNumber < 1 {
		pageNumber = 1
	}
	st.currentPage = pageNumber
	st.pageLoaded = true
	st.hasMore = pageNumber < page.TotalPages
	return true
}

// NextPage returns the page the next fetch should request for epoch, and
// false when nothing more can be loaded for it.
func (s *Store) NextPage(epoch uint64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || epoch != s.epoch || !s.state.hasMore {
		return 0, false
	}
	if !s.state.pageLoaded {
		return 1, true
	}
	return s.state.currentPage + 1, true
}

// MarkAllRead is the optimistic local mutation applied after the server
// acknowledged mark-all-as-read for epoch. It changes nothing and returns
// false when that session is no longer the open one.
func (s *Store) MarkAllRead(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || epoch != s.epoch {
		return false
	}
	for i := range s.state.items {
		s.state.items[i].Read = true
	}
	s.unread = 0
	s.unreadKnown = true
	return true
}

// SetUnreadCount overwrites the counter with the value from the count query.
func (s *Store) SetUnreadCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setUnreadLocked(n)
}

// applyUnreadCount applies a count response issued as request seq. A response
// older than the last applied one is dropped.
func (s *Store) applyUnreadCount(seq uint64, n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.unreadApplied {
		return false
	}
	s.unreadApplied = seq
	s.setUnreadLocked(n)
	return true
}

func (s *Store) setUnreadLocked(n int) {
	if n < 0 {
		n = 0
	}
	s.unread = n
	s.unreadKnown = true
}

func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Epoch:       s.epoch,
		UnreadCount: s.unread,
		UnreadKnown: s.unreadKnown,
	}
	if s.state == nil {
		return snap
	}
	snap.Open = true
	snap.Items = append([]Item(nil), s.state.items...)
	snap.CurrentPage = s.state.currentPage
	snap.HasMore = s.state.hasMore
	return snap
}
