package feed

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type fakeClient struct {
	mu         sync.Mutex
	pages      map[int]Page
	pageErr    map[int]error
	gates      map[int]chan struct{}
	listCalls  []int
	inFlight   int
	maxFlight  int
	unread     int
	countErr   error
	countCalls int
	markErr    error
	markGate   chan struct{}
	markCalls  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		pages:   map[int]Page{},
		pageErr: map[int]error{},
		gates:   map[int]chan struct{}{},
	}
}

func (c *fakeClient) ListPage(ctx context.Context, page, pageSize int) (Page, error) {
	c.mu.Lock()
	c.listCalls = append(c.listCalls, page)
	c.inFlight++
	if c.inFlight > c.maxFlight {
		c.maxFlight = c.inFlight
	}
	gate := c.gates[page]
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.pageErr[page]; err != nil {
		return Page{}, err
	}
	result := c.pages[page]
	result.Items = append([]Item(nil), result.Items...)
	return result, nil
}

func (c *fakeClient) UnreadCount(ctx context.Context) (int, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countCalls++
	if c.countErr != nil {
		return 0, c.countErr
	}
	return c.unread, nil
}

func (c *fakeClient) MarkAllRead(ctx context.Context) (int, error) {
	c.mu.Lock()
	c.markCalls++
	gate := c.markGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.markErr != nil {
		return 0, c.markErr
	}
	affected := c.unread
	c.unread = 0
	for n, page := range c.pages {
		items := make([]Item, len(page.Items))
		for i, item := range page.Items {
			item.Read = true
			items[i] = item
		}
		page.Items = items
		c.pages[n] = page
	}
	return affected, nil
}

func (c *fakeClient) setPage(page Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[page.PageNumber] = page
}

func (c *fakeClient) gate(page int) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.gates[page] = ch
	return ch
}

func (c *fakeClient) ungate(page int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.gates, page)
}

func (c *fakeClient) calls() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.listCalls...)
}

func (c *fakeClient) maxConcurrentLists() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxFlight
}

func (c *fakeClient) marks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markCalls
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// items builds unread items; lower ids are newer.
func items(ids ...int) []Item {
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, Item{
			ID:        itemID(id),
			Title:     "item",
			CreatedAt: baseTime.Add(-time.Duration(id) * time.Minute),
		})
	}
	return out
}

func readItems(ids ...int) []Item {
	out := items(ids...)
	for i := range out {
		out[i].Read = true
	}
	return out
}

func itemID(id int) ItemID {
	return ItemID(strconv.Itoa(id))
}

func ids(list []Item) []ItemID {
	out := make([]ItemID, 0, len(list))
	for _, item := range list {
		out = append(out, item.ID)
	}
	return out
}

func equalIDs(got []ItemID, want ...int) bool {
	if len(got) != len(want) {
		return false
	}
	for i, id := range want {
		if got[i] != itemID(id) {
			return false
		}
	}
	return true
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
