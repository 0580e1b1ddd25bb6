package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/bryan-buckman/feedsync/internal/couch"
	"github.com/bryan-buckman/feedsync/internal/fetch"
	"github.com/bryan-buckman/feedsync/internal/model"
)

const (
	// refreshFloor caps how often a feed is refetched regardless of
	// what its server's cache headers allow.
	refreshFloor = 30 * time.Minute

	// errorRetryDelay is how long a failed feed rests before the next
	// attempt.
	errorRetryDelay = 30 * time.Minute

	// maxRedirectHops bounds a chain of permanent redirects on one
	// refresh.
	maxRedirectHops = 5
)

// Refresh fetches the feed's source and folds the result into the
// store. Unless forced, it is a no-op while the feed's cache window is
// still open or another refresh of the same feed is running.
func (e *Engine) Refresh(ctx context.Context, feedID string, force bool) error {
	e.mu.Lock()
	f, ok := e.feeds[feedID]
	if !ok {
		e.mu.Unlock()
		return couch.ErrNotFound
	}
	if f.refreshing {
		e.mu.Unlock()
		return nil
	}
	if !force && f.doc.HTTPExpiresAt > e.now().Unix() {
		e.mu.Unlock()
		// The feed is still fresh but its favicon may not be.
		e.maybeRefreshFavicon(f, "")
		return nil
	}
	f.refreshing = true
	e.refreshing++
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		f.refreshing = false
		f.transfer = nil
		e.refreshing--
		e.mu.Unlock()
	}()

	return e.refresh(ctx, f, 0)
}

// refresh runs one fetch of the feed's source and dispatches on the
// outcome. hops counts permanent redirects already followed.
func (e *Engine) refresh(ctx context.Context, f *feedState, hops int) error {
	doc := e.snapshot(f)

	header := http.Header{}
	if doc.HTTPLastModified != "" {
		header.Set("If-Modified-Since", doc.HTTPLastModified)
	}
	if doc.HTTPETag != "" {
		header.Set("If-None-Match", doc.HTTPETag)
	}

	resp, err := e.fetcher.Get(ctx, doc.SourceURI, header, fetch.WithProgress(e.trackTransfer(f)))
	if err != nil {
		e.recordError(ctx, f, errorTag(err))
		return fmt.Errorf("fetch %s: %w", doc.SourceURI, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if _, err := e.modifyFeed(ctx, f, func(fd *model.Feed) {
			applyCacheHeaders(fd, resp.Header, e.now())
		}); err != nil {
			return err
		}
		e.maybeRefreshFavicon(f, "")
		return nil

	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		loc := resolveRef(doc.SourceURI, resp.Header.Get("Location"))
		if loc == "" || hops >= maxRedirectHops {
			e.recordError(ctx, f, "redirect")
			return fmt.Errorf("fetch %s: bad redirect", doc.SourceURI)
		}
		return e.migrateTo(ctx, f, loc, "", hops)

	case resp.StatusCode == http.StatusOK:
		return e.handleBody(ctx, f, doc.SourceURI, resp, hops)

	default:
		e.recordError(ctx, f, "http:"+strconv.Itoa(resp.StatusCode))
		return fmt.Errorf("fetch %s: %s", doc.SourceURI, resp.Status)
	}
}

// handleBody parses a 200 response and folds it in. A page that turns
// out to be HTML with an advertised feed link migrates the subscription
// there instead.
func (e *Engine) handleBody(ctx context.Context, f *feedState, uri string, resp *fetch.Response, hops int) error {
	doc := e.snapshot(f)

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.Body))
	if err != nil {
		if alt, title := findAlternateFeed(resp.Body, uri); alt != "" && alt != doc.ID && hops < maxRedirectHops {
			return e.migrateTo(ctx, f, alt, title, hops)
		}
		if _, merr := e.modifyFeed(ctx, f, func(fd *model.Feed) {
			fd.Error = "notafeed"
			applyCacheHeaders(fd, resp.Header, e.now())
		}); merr != nil {
			return merr
		}
		return fmt.Errorf("parse %s: %w", uri, err)
	}

	inc := incomingFeed{parsed: parsed}
	saved, err := e.modifyFeed(ctx, f, func(fd *model.Feed) {
		if t := inc.title(); t != "" {
			fd.Title = t
		}
		if l := inc.link(); l != "" {
			fd.Link = l
		}
		fd.Subtitle = inc.subtitle()
		fd.Author = inc.author()
		if u := inc.updatedAt(); u > 0 {
			fd.UpdatedAt = u
		}
		fd.Error = ""
		applyCacheHeaders(fd, resp.Header, e.now())
	})
	if err != nil {
		return err
	}

	if err := e.mergePosts(ctx, saved, inc); err != nil {
		return err
	}
	e.maybeRefreshFavicon(f, inc.iconHint())
	return nil
}

// migrateTo moves the subscription to uri: a redirect's Location, or
// the alternate feed link found on an HTML landing page. The new feed
// inherits the old title as a default; the old document is deleted
// outright when it has no posts, otherwise tagged for the collector.
func (e *Engine) migrateTo(ctx context.Context, f *feedState, uri, title string, hops int) error {
	doc := e.snapshot(f)
	if uri == doc.ID {
		e.recordError(ctx, f, "redirect")
		return fmt.Errorf("fetch %s: redirect loop", doc.ID)
	}
	if title == "" {
		title = doc.Title
	}

	successor, err := e.subscribeFeed(ctx, uri, title)
	if err != nil {
		return err
	}

	e.mu.Lock()
	empty := f.summary.Total == 0
	e.mu.Unlock()
	if _, err := e.modifyFeed(ctx, f, func(fd *model.Feed) {
		if empty {
			fd.Deleted = true
			return
		}
		fd.Error = "redirect"
		fd.DeletedAt = e.now().Unix()
	}); err != nil {
		return err
	}
	e.removeFeed(doc.ID)

	e.mu.Lock()
	sf := e.feeds[successor.ID]
	e.mu.Unlock()
	if sf == nil {
		return nil
	}
	return e.refresh(ctx, sf, hops+1)
}

// mergePosts upserts the parsed entries. An entry only overwrites its
// stored post when its update time moved forward, so replaying an
// unchanged document is a no-op.
func (e *Engine) mergePosts(ctx context.Context, feedDoc *model.Feed, inc incomingFeed) error {
	incoming := make(map[string]incomingPost)
	var ids []string
	for _, ip := range inc.posts() {
		if ip.updatedAt() <= 0 {
			continue
		}
		id := model.PostID(feedDoc.ID, ip.naturalID())
		if _, dup := incoming[id]; dup {
			continue
		}
		incoming[id] = ip
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	type prevState struct {
		counted bool
		read    bool
		starred bool
	}
	prev := make(map[string]prevState)

	saved, err := e.db.ModifyMany(ctx, ids,
		func() couch.Doc { return &model.Post{} },
		func(d couch.Doc) bool {
			p := d.(*model.Post)
			ip, ok := incoming[p.ID]
			if !ok {
				return false
			}
			if p.Rev != "" && p.DeletedAt == 0 && p.UpdatedAt >= ip.updatedAt() {
				return false
			}
			prev[p.ID] = prevState{
				counted: p.Rev != "" && p.DeletedAt == 0,
				read:    p.DeletedAt == 0 && p.Read(),
				starred: p.DeletedAt == 0 && p.Starred,
			}
			p.Type = model.TypePost
			p.FeedID = feedDoc.ID
			p.Title = ip.title()
			p.Link = ip.link()
			p.UpdatedAt = ip.updatedAt()
			p.PublishedAt = ip.publishedAt()
			p.SummaryDetail = ip.summaryDetail()
			p.Content = ip.content()
			p.Author = ip.author()
			p.Tags = ip.tags()
			p.FeedSubscribedAt = feedDoc.SubscribedAt
			p.FeedDeleted = false
			p.DeletedAt = 0
			return true
		}, true)
	if err != nil {
		return fmt.Errorf("merge posts of %s: %w", feedDoc.ID, err)
	}

	var delta model.Summary
	added := 0
	for _, d := range saved {
		p := d.(*model.Post)
		st := prev[p.ID]
		if !st.counted {
			delta.Total++
			if p.Starred {
				delta.StarredTotal++
			}
			added++
			continue
		}
		// The update moved past the read marker: the post flipped back
		// to unread.
		if st.read && !p.Read() {
			delta.Read--
			if st.starred {
				delta.StarredRead--
			}
		}
		e.bus.Emit(Event{Type: EventPostChanged, FeedID: feedDoc.ID, PostID: p.ID, Field: "content"})
	}
	if added > 0 {
		e.bus.Emit(Event{Type: EventPostsAdded, FeedID: feedDoc.ID, Count: added})
	}
	if delta != (model.Summary{}) {
		e.adjustSummary(feedDoc.ID, delta)
	}
	return nil
}

// trackTransfer mirrors body download progress into the feed's runtime
// state for consumers to display.
func (e *Engine) trackTransfer(f *feedState) func(fetch.ProgressEvent) {
	return func(ev fetch.ProgressEvent) {
		if ev.Stage != fetch.StageBody {
			return
		}
		e.mu.Lock()
		f.transfer = &Transfer{Progress: ev.Progress, Total: ev.Total}
		e.mu.Unlock()
	}
}

// recordError tags the feed with a short machine-readable error and
// pushes the next attempt out by the retry delay.
func (e *Engine) recordError(ctx context.Context, f *feedState, tag string) {
	expires := e.now().Add(errorRetryDelay).Unix()
	if _, err := e.modifyFeed(ctx, f, func(fd *model.Feed) {
		fd.Error = tag
		fd.HTTPExpiresAt = expires
	}); err != nil {
		log.Printf("engine: record error of %s: %v", f.doc.ID, err)
	}
}

// errorTag classifies a fetch failure into the error vocabulary stored
// on the feed document.
func errorTag(err error) string {
	switch {
	case errors.Is(err, fetch.ErrUnsupportedScheme):
		return "scheme"
	case errors.Is(err, fetch.ErrBadURI):
		return "badurl"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return "truncated"
	}
	return "connection"
}

// applyCacheHeaders stores the validators and expiry from a fetch
// response on the feed document.
func applyCacheHeaders(fd *model.Feed, h http.Header, now time.Time) {
	if lm := h.Get("Last-Modified"); lm != "" {
		fd.HTTPLastModified = lm
	}
	if et := h.Get("ETag"); et != "" {
		fd.HTTPETag = et
	}
	fd.HTTPExpiresAt = computeExpiry(h, now)
}

// computeExpiry derives when a response goes stale: Cache-Control
// max-age against the server's Date, else the Expires header, else
// now. The result never lands closer than the refresh floor.
func computeExpiry(h http.Header, now time.Time) int64 {
	expires := now
	if secs, ok := maxAge(h.Get("Cache-Control")); ok {
		base := now
		if d, err := http.ParseTime(h.Get("Date")); err == nil {
			base = d
		}
		expires = base.Add(time.Duration(secs) * time.Second)
	} else if exp, err := http.ParseTime(h.Get("Expires")); err == nil {
		expires = exp
	}

	if floor := now.Add(refreshFloor); expires.Before(floor) {
		expires = floor
	}
	return expires.Unix()
}

// maxAge extracts the max-age directive from a Cache-Control value.
func maxAge(cc string) (int64, bool) {
	for _, part := range strings.Split(cc, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "max-age=") {
			continue
		}
		secs, err := strconv.ParseInt(strings.TrimPrefix(part, "max-age="), 10, 64)
		if err != nil || secs < 0 {
			return 0, false
		}
		return secs, true
	}
	return 0, false
}
