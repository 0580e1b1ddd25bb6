// Package engine keeps the local replica of feeds and posts synchronized
// against their live sources. It owns the feed registry, the per-feed
// refresh cycle, favicon discovery and the garbage collector, persisting
// everything through the document store and fetching everything through
// the bounded connection pool.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/feedsync/internal/couch"
	"github.com/bryan-buckman/feedsync/internal/fetch"
	"github.com/bryan-buckman/feedsync/internal/model"
)

// DefaultInterval is the housekeeping tick driving refreshes and
// garbage collection.
const DefaultInterval = 60 * time.Second

// Transfer is the byte progress of a feed's in-flight fetch. It exists
// only while the fetch runs.
type Transfer struct {
	Progress int64 `json:"progress"`
	Total    int64 `json:"total"`
}

// feedState is the engine's runtime handle for one feed document.
// Posts and consumers reference feeds by id; the registry owns the
// state.
type feedState struct {
	doc        *model.Feed
	summary    model.Summary
	refreshing bool
	transfer   *Transfer
}

// Engine is the synchronization engine.
type Engine struct {
	db      *couch.Client
	fetcher *fetch.Client
	bus     *Bus

	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	feeds      map[string]*feedState
	maxPos     int64
	refreshing int

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Option configures the engine.
type Option func(*Engine)

// WithInterval overrides the housekeeping interval.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithClock overrides the engine's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over the given store and fetcher.
func New(db *couch.Client, fetcher *fetch.Client, opts ...Option) *Engine {
	e := &Engine{
		db:       db,
		fetcher:  fetcher,
		bus:      NewBus(),
		interval: DefaultInterval,
		now:      time.Now,
		feeds:    make(map[string]*feedState),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events returns the engine's event bus.
func (e *Engine) Events() *Bus { return e.bus }

// Load populates the registry from the store: all feed documents plus
// their aggregated summaries.
func (e *Engine) Load(ctx context.Context) error {
	rows, err := e.db.View(ctx, viewFeed, couch.Params{})
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	summaries, err := e.loadSummaries(ctx, ids)
	if err != nil {
		return fmt.Errorf("load summaries: %w", err)
	}

	for _, row := range rows {
		var doc model.Feed
		if err := json.Unmarshal(row.Value, &doc); err != nil {
			return fmt.Errorf("decode feed %s: %w", row.ID, err)
		}
		f := e.registerFeed(&doc)
		e.mu.Lock()
		f.summary = summaries[doc.ID]
		e.mu.Unlock()
	}
	return nil
}

// Start launches the housekeeping loop: an immediate pass, then one per
// interval until Stop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			e.housekeep(context.Background())
			select {
			case <-e.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts housekeeping and waits for in-flight work.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// housekeep runs one cycle: garbage collection when no refresh is
// racing it, then a refresh pass over all subscribed feeds. Refreshes
// are initiated in priority order but run concurrently, bounded only by
// the fetch pool's caps.
func (e *Engine) housekeep(ctx context.Context) {
	if e.refreshingCount() == 0 {
		if err := e.Collect(ctx); err != nil {
			log.Printf("engine: gc: %v", err)
		}
	}

	for _, id := range e.orderedFeedIDs(true) {
		id := id
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.Refresh(ctx, id, false); err != nil {
				log.Printf("engine: refresh %s: %v", id, err)
			}
		}()
	}
}

// Subscribe creates (or revives) a subscription at uri and kicks off a
// forced refresh in the background.
func (e *Engine) Subscribe(ctx context.Context, uri string) (*model.Feed, error) {
	if !strings.Contains(uri, "://") {
		uri = "http://" + uri
	}
	doc, err := e.subscribeFeed(ctx, uri, "")
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Refresh(context.Background(), doc.ID, true); err != nil {
			log.Printf("engine: refresh %s: %v", doc.ID, err)
		}
	}()
	return doc, nil
}

// subscribeFeed persists the subscription document for uri, carrying
// titleHint as the default title, and registers it.
func (e *Engine) subscribeFeed(ctx context.Context, uri, titleHint string) (*model.Feed, error) {
	now := e.now().Unix()

	e.mu.Lock()
	e.maxPos++
	pos := e.maxPos
	var cur *model.Feed
	if f, ok := e.feeds[uri]; ok {
		cur = f.doc.Clone()
	}
	e.mu.Unlock()

	fresh := func() couch.Doc {
		if cur != nil {
			return cur.Clone()
		}
		return &model.Feed{}
	}
	doc, err := e.db.Modify(ctx, uri, fresh, func(d couch.Doc) bool {
		fd := d.(*model.Feed)
		fd.Type = model.TypeFeed
		fd.SourceURI = uri
		if fd.Title == "" {
			fd.Title = titleHint
		}
		if fd.Pos == 0 {
			fd.Pos = pos
		}
		fd.SubscribedAt = now
		fd.Error = ""
		fd.HTTPExpiresAt = 0
		return true
	}, false)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", uri, err)
	}

	saved := doc.(*model.Feed)
	f := e.registerFeed(saved.Clone())
	if summaries, err := e.loadSummaries(ctx, []string{saved.ID}); err == nil {
		e.mu.Lock()
		f.summary = summaries[saved.ID]
		e.mu.Unlock()
		e.bus.Emit(Event{Type: EventSummaryChanged, FeedID: saved.ID})
	}
	return saved, nil
}

// DeleteFeed unsubscribes the feed. The document and its posts stay in
// the store until the garbage collector reclaims them.
func (e *Engine) DeleteFeed(ctx context.Context, id string) error {
	e.mu.Lock()
	f, ok := e.feeds[id]
	e.mu.Unlock()
	if !ok {
		return couch.ErrNotFound
	}

	now := e.now().Unix()
	if _, err := e.modifyFeed(ctx, f, func(fd *model.Feed) {
		fd.DeletedAt = now
	}); err != nil {
		return fmt.Errorf("delete feed %s: %w", id, err)
	}

	e.removeFeed(id)
	e.bus.Emit(Event{Type: EventFeedDeleted, FeedID: id})
	return nil
}

// MarkRead sets the read marker of each post to its current update
// time. Posts that are already read are untouched.
func (e *Engine) MarkRead(ctx context.Context, postIDs []string) error {
	now := e.now().Unix()
	saved, err := e.db.ModifyMany(ctx, postIDs,
		func() couch.Doc { return &model.Post{} },
		func(d couch.Doc) bool {
			p := d.(*model.Post)
			if p.Rev == "" || p.Read() {
				return false
			}
			p.ReadUpdatedAt = p.UpdatedAt
			p.ReadAt = now
			return true
		}, true)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	deltas := make(map[string]model.Summary)
	for _, d := range saved {
		p := d.(*model.Post)
		delta := deltas[p.FeedID]
		delta.Read++
		if p.Starred {
			delta.StarredRead++
		}
		deltas[p.FeedID] = delta
		e.bus.Emit(Event{Type: EventPostChanged, FeedID: p.FeedID, PostID: p.ID, Field: "read"})
	}
	e.applyDeltas(deltas)
	return nil
}

// MarkUnread clears the read marker of each post. Unread posts are
// untouched.
func (e *Engine) MarkUnread(ctx context.Context, postIDs []string) error {
	saved, err := e.db.ModifyMany(ctx, postIDs,
		func() couch.Doc { return &model.Post{} },
		func(d couch.Doc) bool {
			p := d.(*model.Post)
			if p.Rev == "" || !p.Read() {
				return false
			}
			p.ReadUpdatedAt = 0
			p.ReadAt = 0
			return true
		}, true)
	if err != nil {
		return fmt.Errorf("mark unread: %w", err)
	}

	deltas := make(map[string]model.Summary)
	for _, d := range saved {
		p := d.(*model.Post)
		delta := deltas[p.FeedID]
		delta.Read--
		if p.Starred {
			delta.StarredRead--
		}
		deltas[p.FeedID] = delta
		e.bus.Emit(Event{Type: EventPostChanged, FeedID: p.FeedID, PostID: p.ID, Field: "read"})
	}
	e.applyDeltas(deltas)
	return nil
}

// ToggleStarred flips the post's starred flag and returns the new value.
func (e *Engine) ToggleStarred(ctx context.Context, postID string) (bool, error) {
	doc, err := e.db.Modify(ctx, postID,
		func() couch.Doc { return &model.Post{} },
		func(d couch.Doc) bool {
			p := d.(*model.Post)
			if p.Rev == "" {
				return false
			}
			p.Starred = !p.Starred
			return true
		}, true)
	if err != nil {
		return false, fmt.Errorf("toggle starred %s: %w", postID, err)
	}
	if doc == nil {
		return false, couch.ErrNotFound
	}

	p := doc.(*model.Post)
	var delta model.Summary
	if p.Starred {
		delta.StarredTotal++
		if p.Read() {
			delta.StarredRead++
		}
	} else {
		delta.StarredTotal--
		if p.Read() {
			delta.StarredRead--
		}
	}
	e.adjustSummary(p.FeedID, delta)
	e.bus.Emit(Event{Type: EventPostChanged, FeedID: p.FeedID, PostID: p.ID, Field: "starred"})
	return p.Starred, nil
}

// FeedInfo is the consumer-facing snapshot of one feed.
type FeedInfo struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Link       string        `json:"link,omitempty"`
	SourceURI  string        `json:"source_uri"`
	Error      string        `json:"error,omitempty"`
	IconURI    string        `json:"icon_uri,omitempty"`
	Summary    model.Summary `json:"summary"`
	Refreshing bool          `json:"refreshing"`
	Transfer   *Transfer     `json:"transfer,omitempty"`
}

// Feeds returns the subscribed feeds in display order.
func (e *Engine) Feeds() []FeedInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos := make([]FeedInfo, 0, len(e.feeds))
	for _, id := range e.orderedFeedIDsLocked(true) {
		f := e.feeds[id]
		infos = append(infos, FeedInfo{
			ID:         f.doc.ID,
			Title:      f.doc.Title,
			Link:       f.doc.Link,
			SourceURI:  f.doc.SourceURI,
			Error:      f.doc.Error,
			IconURI:    f.doc.IconURI,
			Summary:    f.summary,
			Refreshing: f.refreshing,
			Transfer:   f.transfer,
		})
	}
	return infos
}

// Summary returns the aggregate counts across all subscribed feeds.
func (e *Engine) Summary() model.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total model.Summary
	for _, f := range e.feeds {
		if f.doc.Subscribed() {
			total.Add(f.summary)
		}
	}
	return total
}

// FeedSummary returns the counts for one feed.
func (e *Engine) FeedSummary(id string) (model.Summary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.feeds[id]
	if !ok {
		return model.Summary{}, false
	}
	return f.summary, true
}

// Posts returns the post snippets of one feed from the store's index.
func (e *Engine) Posts(ctx context.Context, feedID string) ([]model.Post, error) {
	rows, err := e.db.View(ctx, viewFeedPost, couch.Params{Key: feedID})
	if err != nil {
		return nil, fmt.Errorf("load posts of %s: %w", feedID, err)
	}
	posts := make([]model.Post, 0, len(rows))
	for _, row := range rows {
		var p model.Post
		if err := json.Unmarshal(row.Value, &p); err != nil {
			return nil, fmt.Errorf("decode post %s: %w", row.ID, err)
		}
		posts = append(posts, p)
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].UpdatedAt > posts[j].UpdatedAt })
	return posts, nil
}

// Favicon returns the stored favicon binary of a feed.
func (e *Engine) Favicon(ctx context.Context, feedID string) ([]byte, string, error) {
	return e.db.Attachment(ctx, feedID, faviconAttachment)
}

// --- registry internals ---

// registerFeed adds (or refreshes) the registry entry for doc.
func (e *Engine) registerFeed(doc *model.Feed) *feedState {
	e.mu.Lock()
	f, existed := e.feeds[doc.ID]
	if !existed {
		f = &feedState{}
		e.feeds[doc.ID] = f
	}
	f.doc = doc
	if doc.Pos > e.maxPos {
		e.maxPos = doc.Pos
	}
	e.mu.Unlock()

	if !existed {
		e.bus.Emit(Event{Type: EventFeedAdded, FeedID: doc.ID})
	}
	return f
}

func (e *Engine) removeFeed(id string) {
	e.mu.Lock()
	_, ok := e.feeds[id]
	delete(e.feeds, id)
	e.mu.Unlock()
	if ok {
		e.bus.Emit(Event{Type: EventFeedRemoved, FeedID: id})
	}
}

// snapshot returns a private copy of the feed's document.
func (e *Engine) snapshot(f *feedState) *model.Feed {
	e.mu.Lock()
	defer e.mu.Unlock()
	return f.doc.Clone()
}

// modifyFeed runs the conflict-retried mutation against the feed's
// document, starting from the registry's cached copy, and updates the
// cache with the saved result.
func (e *Engine) modifyFeed(ctx context.Context, f *feedState, mutate func(*model.Feed)) (*model.Feed, error) {
	cur := e.snapshot(f)
	doc, err := e.db.Modify(ctx, cur.ID,
		func() couch.Doc { return cur.Clone() },
		func(d couch.Doc) bool {
			mutate(d.(*model.Feed))
			return true
		}, false)
	if err != nil {
		return nil, err
	}

	saved := doc.(*model.Feed)
	e.mu.Lock()
	f.doc = saved.Clone()
	e.mu.Unlock()
	return saved, nil
}

// adjustSummary applies an incremental count change for one feed.
func (e *Engine) adjustSummary(feedID string, delta model.Summary) {
	e.mu.Lock()
	if f, ok := e.feeds[feedID]; ok {
		f.summary.Add(delta)
	}
	e.mu.Unlock()
	e.bus.Emit(Event{Type: EventSummaryChanged, FeedID: feedID})
}

func (e *Engine) applyDeltas(deltas map[string]model.Summary) {
	for feedID, delta := range deltas {
		e.adjustSummary(feedID, delta)
	}
}

// loadSummaries queries the aggregation view for the given feed ids.
// Feeds without posts get a zero summary.
func (e *Engine) loadSummaries(ctx context.Context, ids []string) (map[string]model.Summary, error) {
	if len(ids) == 0 {
		return map[string]model.Summary{}, nil
	}
	rows, err := e.db.View(ctx, viewSummary, couch.Params{Keys: ids, Group: true})
	if err != nil {
		return nil, err
	}
	summaries := make(map[string]model.Summary, len(rows))
	for _, row := range rows {
		var key string
		var s model.Summary
		if err := json.Unmarshal(row.Key, &key); err != nil {
			continue
		}
		if err := json.Unmarshal(row.Value, &s); err != nil {
			return nil, fmt.Errorf("decode summary of %s: %w", key, err)
		}
		summaries[key] = s
	}
	return summaries, nil
}

func (e *Engine) refreshingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refreshing
}

// orderedFeedIDs lists feed ids in display/refresh priority order:
// higher position first (newer subscriptions), then title, then id.
func (e *Engine) orderedFeedIDs(subscribedOnly bool) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orderedFeedIDsLocked(subscribedOnly)
}

func (e *Engine) orderedFeedIDsLocked(subscribedOnly bool) []string {
	states := make([]*feedState, 0, len(e.feeds))
	for _, f := range e.feeds {
		if subscribedOnly && !f.doc.Subscribed() {
			continue
		}
		states = append(states, f)
	}
	sort.Slice(states, func(i, j int) bool {
		a, b := states[i].doc, states[j].doc
		if a.Pos != b.Pos {
			return a.Pos > b.Pos
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
	ids := make([]string, len(states))
	for i, f := range states {
		ids[i] = f.doc.ID
	}
	return ids
}
