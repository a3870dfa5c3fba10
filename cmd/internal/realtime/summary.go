package realtime

import (
	"sync"
	"time"
)

// Summary is the cached, externally visible state of one thread.
type Summary struct {
	ID                   int64     `json:"id"`
	UnreadCount          int       `json:"unread_count"`
	Typing               bool      `json:"typing"`
	Presence             string    `json:"presence,omitempty"`
	LastPresenceAt       time.Time `json:"last_presence_at,omitempty"`
	LastMessageID        int64     `json:"last_message_id,omitempty"`
	LastMessageTimestamp string    `json:"last_message_timestamp,omitempty"`
	LastMessageContent   string    `json:"last_message_content,omitempty"`
	LastReadID           int64     `json:"last_read_id,omitempty"`
}

// SummaryPatch is a partial update. Nil fields are left untouched.
type SummaryPatch struct {
	UnreadCount          *int
	Typing               *bool
	Presence             *string
	LastPresenceAt       *time.Time
	LastMessageID        *int64
	LastMessageTimestamp *string
	LastMessageContent   *string
}

// Apply copies the set fields of p onto s.
func (p SummaryPatch) Apply(s *Summary) {
	if p.UnreadCount != nil {
		s.UnreadCount = *p.UnreadCount
	}
	if p.Typing != nil {
		s.Typing = *p.Typing
	}
	if p.Presence != nil {
		s.Presence = *p.Presence
	}
	if p.LastPresenceAt != nil {
		s.LastPresenceAt = *p.LastPresenceAt
	}
	if p.LastMessageID != nil {
		s.LastMessageID = *p.LastMessageID
	}
	if p.LastMessageTimestamp != nil {
		s.LastMessageTimestamp = *p.LastMessageTimestamp
	}
	if p.LastMessageContent != nil {
		s.LastMessageContent = *p.LastMessageContent
	}
}

// SummaryCache is the cross-thread summary list the reconciler mutates.
type SummaryCache interface {
	Summaries() []Summary
	SetSummaries(list []Summary)
	SetLastRead(threadID, messageID int64)
	UpdateSummary(threadID int64, patch SummaryPatch)
}

// SummaryMutator is implemented by caches that can apply a read-modify-write
// atomically. The reconciler prefers it over Summaries+SetSummaries.
type SummaryMutator interface {
	MutateSummaries(fn func(list []Summary) []Summary)
}

// MemorySummaryCache is an in-process SummaryCache safe for concurrent use.
// Missing threads are created on first update.
type MemorySummaryCache struct {
	mu    sync.Mutex
	items []Summary

	watchMu  sync.Mutex
	watchers map[int]func(Summary)
	nextID   int
}

var (
	defaultSummariesOnce sync.Once
	defaultSummaries     *MemorySummaryCache
)

// DefaultSummaries returns the process-wide summary cache, creating it on first use.
func DefaultSummaries() *MemorySummaryCache {
	defaultSummariesOnce.Do(func() {
		defaultSummaries = NewMemorySummaryCache()
	})
	return defaultSummaries
}

// NewMemorySummaryCache constructs an empty cache.
func NewMemorySummaryCache() *MemorySummaryCache {
	return &MemorySummaryCache{watchers: make(map[int]func(Summary))}
}

// Summaries returns a copy of the list.
func (c *MemorySummaryCache) Summaries() []Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Summary(nil), c.items...)
}

// Get returns the summary for threadID.
func (c *MemorySummaryCache) Get(threadID int64) (Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(threadID); i >= 0 {
		return c.items[i], true
	}
	return Summary{}, false
}

// SetSummaries replaces the list.
func (c *MemorySummaryCache) SetSummaries(list []Summary) {
	c.mu.Lock()
	c.items = append([]Summary(nil), list...)
	changed := append([]Summary(nil), c.items...)
	c.mu.Unlock()

	c.notify(changed...)
}

// MutateSummaries applies fn to a copy of the list and stores the result atomically.
func (c *MemorySummaryCache) MutateSummaries(fn func(list []Summary) []Summary) {
	c.mu.Lock()
	before := make(map[int64]Summary, len(c.items))
	for _, s := range c.items {
		before[s.ID] = s
	}
	c.items = fn(append([]Summary(nil), c.items...))
	var changed []Summary
	for _, s := range c.items {
		if old, ok := before[s.ID]; !ok || old != s {
			changed = append(changed, s)
		}
	}
	c.mu.Unlock()

	c.notify(changed...)
}

// SetLastRead advances the thread's last read marker. It never moves backwards.
func (c *MemorySummaryCache) SetLastRead(threadID, messageID int64) {
	if threadID <= 0 || messageID <= 0 {
		return
	}
	c.update(threadID, func(s *Summary) bool {
		if messageID <= s.LastReadID {
			return false
		}
		s.LastReadID = messageID
		return true
	})
}

// UpdateSummary merges patch into the thread's summary.
func (c *MemorySummaryCache) UpdateSummary(threadID int64, patch SummaryPatch) {
	if threadID <= 0 {
		return
	}
	c.update(threadID, func(s *Summary) bool {
		before := *s
		patch.Apply(s)
		return before != *s
	})
}

// MarkRead resets the unread counter and moves the read marker to the last message.
func (c *MemorySummaryCache) MarkRead(threadID int64) {
	c.update(threadID, func(s *Summary) bool {
		changed := s.UnreadCount != 0
		s.UnreadCount = 0
		if s.LastMessageID > s.LastReadID {
			s.LastReadID = s.LastMessageID
			changed = true
		}
		return changed
	})
}

// Watch registers fn to receive every changed summary. The returned func unregisters it.
func (c *MemorySummaryCache) Watch(fn func(Summary)) func() {
	c.watchMu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.watchMu.Unlock()

	return func() {
		c.watchMu.Lock()
		delete(c.watchers, id)
		c.watchMu.Unlock()
	}
}

func (c *MemorySummaryCache) update(threadID int64, fn func(s *Summary) bool) {
	c.mu.Lock()
	i := c.indexLocked(threadID)
	if i < 0 {
		c.items = append(c.items, Summary{ID: threadID})
		i = len(c.items) - 1
	}
	if !fn(&c.items[i]) {
		c.mu.Unlock()
		return
	}
	changed := c.items[i]
	c.mu.Unlock()

	c.notify(changed)
}

func (c *MemorySummaryCache) indexLocked(threadID int64) int {
	for i := range c.items {
		if c.items[i].ID == threadID {
			return i
		}
	}
	return -1
}

func (c *MemorySummaryCache) notify(changed ...Summary) {
	if len(changed) == 0 {
		return
	}
	c.watchMu.Lock()
	fns := make([]func(Summary), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.watchMu.Unlock()

	for _, s := range changed {
		for _, fn := range fns {
			fn(s)
		}
	}
}

// incrementUnread bumps the thread's unread counter by one.
func incrementUnread(cache SummaryCache, threadID int64) {
	bump := func(list []Summary) []Summary {
		for i := range list {
			if list[i].ID == threadID {
				list[i].UnreadCount++
				return list
			}
		}
		return append(list, Summary{ID: threadID, UnreadCount: 1})
	}

	if m, ok := cache.(SummaryMutator); ok {
		m.MutateSummaries(bump)
		return
	}
	cache.SetSummaries(bump(cache.Summaries()))
}

func ptr[T any](v T) *T { return &v }
