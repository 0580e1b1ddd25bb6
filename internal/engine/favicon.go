package engine

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/bryan-buckman/feedsync/internal/couch"
	"github.com/bryan-buckman/feedsync/internal/model"
)

// faviconAttachment is the attachment name the icon binary is stored
// under on the feed document.
const faviconAttachment = "favicon"

// maybeRefreshFavicon starts favicon discovery in the background after
// a feed refresh, when the icon's own cache window has lapsed. The
// refresh itself never waits on it; a slow icon server must not hold up
// the feed cycle.
func (e *Engine) maybeRefreshFavicon(f *feedState, hint string) {
	doc := e.snapshot(f)
	if doc.IconExpiresAt > e.now().Unix() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.refreshFavicon(context.Background(), f, hint)
	}()
}

// refreshFavicon keeps the feed's icon current. A known icon uri is
// just revalidated conditionally. Otherwise the candidate chain is
// walked: the uri advertised inside the feed itself, then a scan of
// the feed's web page for a shortcut icon link, then the site's
// /favicon.ico. Candidates the feed has rejected before are skipped
// and a rejected fetch moves on to the next candidate.
func (e *Engine) refreshFavicon(ctx context.Context, f *feedState, hint string) {
	doc := e.snapshot(f)

	if doc.IconURI != "" {
		if e.fetchIcon(ctx, f, doc.IconURI, true) {
			return
		}
		doc = e.snapshot(f)
	}

	for _, uri := range e.iconCandidates(ctx, doc, hint) {
		if doc.IconRejected(uri) {
			continue
		}
		if e.fetchIcon(ctx, f, uri, false) {
			return
		}
		doc = e.snapshot(f)
	}
}

// iconCandidates assembles the ordered icon uris to try.
func (e *Engine) iconCandidates(ctx context.Context, doc *model.Feed, hint string) []string {
	var uris []string
	seen := make(map[string]bool)
	add := func(uri string) {
		if uri != "" && !seen[uri] {
			seen[uri] = true
			uris = append(uris, uri)
		}
	}

	add(resolveRef(doc.ID, hint))

	page := doc.Link
	if page == "" {
		page = doc.ID
	}
	if resp, err := e.fetcher.Get(ctx, page, http.Header{}); err == nil && resp.StatusCode == http.StatusOK {
		add(findShortcutIcon(resp.Body, page))
	}

	if u, err := url.Parse(page); err == nil && u.Host != "" {
		add(u.Scheme + "://" + u.Host + "/favicon.ico")
	}
	return uris
}

// fetchIcon retrieves one candidate and stores it as the feed's icon.
// It reports whether the candidate settled the matter, whether by
// acceptance, revalidation, or a transient network failure that leaves
// the current icon in place.
func (e *Engine) fetchIcon(ctx context.Context, f *feedState, uri string, conditional bool) bool {
	doc := e.snapshot(f)

	header := http.Header{}
	if conditional {
		if doc.IconLastModified != "" {
			header.Set("If-Modified-Since", doc.IconLastModified)
		}
		if doc.IconETag != "" {
			header.Set("If-None-Match", doc.IconETag)
		}
	}

	resp, err := e.fetcher.Get(ctx, uri, header)
	if err != nil {
		// Transient failure: keep whatever icon we have and back off.
		expires := e.now().Add(errorRetryDelay).Unix()
		if _, err := e.modifyFeed(ctx, f, func(fd *model.Feed) {
			fd.IconExpiresAt = expires
		}); err != nil {
			log.Printf("engine: favicon backoff of %s: %v", doc.ID, err)
		}
		return true
	}

	now := e.now()
	switch resp.StatusCode {
	case http.StatusNotModified:
		if _, err := e.modifyFeed(ctx, f, func(fd *model.Feed) {
			applyIconHeaders(fd, resp.Header, now)
		}); err != nil {
			log.Printf("engine: favicon revalidate of %s: %v", doc.ID, err)
		}
		return true

	case http.StatusOK:
		if !looksLikeImage(resp.Body) {
			e.rejectIcon(ctx, f, uri)
			return false
		}
		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "image/x-icon"
		}
		saved, err := e.modifyFeed(ctx, f, func(fd *model.Feed) {
			fd.IconURI = uri
			applyIconHeaders(fd, resp.Header, now)
		})
		if err != nil {
			log.Printf("engine: favicon of %s: %v", doc.ID, err)
			return true
		}
		e.putIcon(ctx, f, saved, contentType, resp.Body)
		e.bus.Emit(Event{Type: EventFaviconChanged, FeedID: saved.ID})
		return true

	default:
		e.rejectIcon(ctx, f, uri)
		return false
	}
}

// putIcon attaches the icon bytes to the feed document, chasing the
// revision for a few passes when a concurrent writer moves it.
func (e *Engine) putIcon(ctx context.Context, f *feedState, doc *model.Feed, contentType string, data []byte) {
	rev := doc.Rev
	for attempt := 0; attempt < 3; attempt++ {
		newRev, err := e.db.PutAttachment(ctx, doc.ID, faviconAttachment, rev, contentType, data)
		if err == nil {
			e.mu.Lock()
			f.doc.Rev = newRev
			e.mu.Unlock()
			return
		}
		if !errors.Is(err, couch.ErrConflict) {
			log.Printf("engine: store favicon of %s: %v", doc.ID, err)
			return
		}
		var cur model.Feed
		if err := e.db.Load(ctx, doc.ID, &cur); err != nil {
			log.Printf("engine: store favicon of %s: %v", doc.ID, err)
			return
		}
		rev = cur.Rev
	}
	log.Printf("engine: store favicon of %s: gave up on conflicts", doc.ID)
}

// rejectIcon records the uri as unusable and clears it if it was the
// current icon.
func (e *Engine) rejectIcon(ctx context.Context, f *feedState, uri string) {
	if _, err := e.modifyFeed(ctx, f, func(fd *model.Feed) {
		if !fd.IconRejected(uri) {
			fd.IconRejects = append(fd.IconRejects, uri)
		}
		if fd.IconURI == uri {
			fd.IconURI = ""
			fd.IconLastModified = ""
			fd.IconETag = ""
			fd.IconExpiresAt = 0
		}
	}); err != nil {
		log.Printf("engine: reject favicon of %s: %v", f.doc.ID, err)
	}
}

// RejectFavicon manually blacklists the feed's current icon and looks
// for a replacement.
func (e *Engine) RejectFavicon(ctx context.Context, feedID string) error {
	e.mu.Lock()
	f, ok := e.feeds[feedID]
	e.mu.Unlock()
	if !ok {
		return couch.ErrNotFound
	}

	uri := e.snapshot(f).IconURI
	if uri != "" {
		e.rejectIcon(ctx, f, uri)
	}
	e.refreshFavicon(ctx, f, "")
	e.bus.Emit(Event{Type: EventFaviconChanged, FeedID: feedID})
	return nil
}

// applyIconHeaders stores the icon's cache validators and expiry.
func applyIconHeaders(fd *model.Feed, h http.Header, now time.Time) {
	if lm := h.Get("Last-Modified"); lm != "" {
		fd.IconLastModified = lm
	}
	if et := h.Get("ETag"); et != "" {
		fd.IconETag = et
	}
	fd.IconExpiresAt = computeExpiry(h, now)
}

// imageMagic lists the signatures of icon formats worth storing.
var imageMagic = [][]byte{
	{0x00, 0x00, 0x01, 0x00},       // ICO
	{0x89, 'P', 'N', 'G'},          // PNG
	[]byte("GIF87a"),               // GIF
	[]byte("GIF89a"),               // GIF
	{0xff, 0xd8, 0xff},             // JPEG
	{'B', 'M'},                     // BMP
}

// looksLikeImage sniffs the payload's magic number. Servers routinely
// answer favicon requests with HTML error pages and a 200.
func looksLikeImage(data []byte) bool {
	for _, magic := range imageMagic {
		if bytes.HasPrefix(data, magic) {
			return true
		}
	}
	return false
}
