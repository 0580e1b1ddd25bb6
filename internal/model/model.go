// Package model defines the document types stored in the remote database.
//
// Documents are JSON objects carrying an opaque revision token. Known
// fields get typed accessors; anything else a replica peer may have
// written is preserved in an Extra side map across load/save round trips.
package model

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
)

// Document type discriminators.
const (
	TypeFeed = "feed"
	TypePost = "post"
)

// Meta carries the store-assigned identity of a document.
type Meta struct {
	ID      string `json:"_id,omitempty"`
	Rev     string `json:"_rev,omitempty"`
	Deleted bool   `json:"_deleted,omitempty"`
}

// DocID returns the document id.
func (m *Meta) DocID() string { return m.ID }

// DocRev returns the current revision token, empty for unsaved documents.
func (m *Meta) DocRev() string { return m.Rev }

// SetDocMeta records the identity assigned by the store.
func (m *Meta) SetDocMeta(id, rev string) { m.ID, m.Rev = id, rev }

// Detail is a typed text value, as produced by the feed parser for
// content and summary variants.
type Detail struct {
	Type  string `json:"type,omitempty"`
	Value string `json:"value,omitempty"`
}

// Author identifies the author of a feed or post.
type Author struct {
	Name  string `json:"name,omitempty"`
	Href  string `json:"href,omitempty"`
	Email string `json:"email,omitempty"`
}

// Feed is a subscription to one remote source.
//
// All timestamps are epoch seconds. A feed is subscribed while
// DeletedAt <= SubscribedAt; deleting a feed only stamps DeletedAt, the
// garbage collector reclaims the document once its posts are gone.
type Feed struct {
	Meta
	Type         string  `json:"type"`
	SourceURI    string  `json:"source_uri"`
	Title        string  `json:"title,omitempty"`
	Link         string  `json:"link,omitempty"`
	Subtitle     string  `json:"subtitle,omitempty"`
	Author       *Author `json:"author,omitempty"`
	UpdatedAt    int64   `json:"updated_at,omitempty"`
	SubscribedAt int64   `json:"subscribed_at,omitempty"`
	DeletedAt    int64   `json:"deleted_at,omitempty"`
	Pos          int64   `json:"pos,omitempty"`
	Error        string  `json:"error,omitempty"`

	// Conditional-fetch state for the source document.
	HTTPLastModified string `json:"http.last-modified,omitempty"`
	HTTPETag         string `json:"http.etag,omitempty"`
	HTTPExpiresAt    int64  `json:"http.expires_at,omitempty"`

	// Favicon location and conditional-fetch state. URIs that failed to
	// decode are remembered so they are never retried.
	IconURI          string   `json:"icon_uri,omitempty"`
	IconLastModified string   `json:"icon.last-modified,omitempty"`
	IconETag         string   `json:"icon.etag,omitempty"`
	IconExpiresAt    int64    `json:"icon.expires_at,omitempty"`
	IconRejects      []string `json:"icon_rejects,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Subscribed reports whether the feed is currently subscribed.
func (f *Feed) Subscribed() bool { return f.DeletedAt <= f.SubscribedAt }

// IconRejected reports whether uri previously failed to decode.
func (f *Feed) IconRejected(uri string) bool {
	for _, r := range f.IconRejects {
		if r == uri {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the feed.
func (f *Feed) Clone() *Feed {
	c := *f
	c.IconRejects = append([]string(nil), f.IconRejects...)
	c.Extra = cloneExtra(f.Extra)
	if f.Author != nil {
		a := *f.Author
		c.Author = &a
	}
	return &c
}

// Post is one entry of a feed. Identity is the SHA-1 of the feed id and
// the entry's natural id, so re-merging the same entry is idempotent.
type Post struct {
	Meta
	Type          string   `json:"type"`
	FeedID        string   `json:"feed_id,omitempty"`
	Title         string   `json:"title,omitempty"`
	Link          string   `json:"link,omitempty"`
	UpdatedAt     int64    `json:"updated_at,omitempty"`
	PublishedAt   int64    `json:"published_at,omitempty"`
	SummaryDetail *Detail  `json:"summary_detail,omitempty"`
	Content       []Detail `json:"content,omitempty"`
	Author        *Author  `json:"author,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Comments      string   `json:"comments,omitempty"`

	// Read marker. The post counts as read while ReadUpdatedAt >=
	// UpdatedAt; ReadAt is the wall-clock instant it was marked, used by
	// the garbage collector's retention window.
	ReadUpdatedAt int64 `json:"read_updated_at,omitempty"`
	ReadAt        int64 `json:"read_at,omitempty"`

	Starred   bool  `json:"starred,omitempty"`
	DeletedAt int64 `json:"deleted_at,omitempty"`

	// Linkage back to the owning feed's subscription epoch. FeedDeleted
	// marks posts whose feed has been unsubscribed, making them
	// collectable.
	FeedSubscribedAt int64 `json:"feed_subscribed_at,omitempty"`
	FeedDeleted      bool  `json:"feed_deleted,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Read reports whether the post's read marker covers its latest update.
func (p *Post) Read() bool { return p.ReadUpdatedAt >= p.UpdatedAt }

// Tombstone reduces the post to the minimal field set kept for a
// soft-deleted post: enough to remember it was seen and read, nothing
// else.
func (p *Post) Tombstone(now int64) {
	*p = Post{
		Meta:             Meta{ID: p.ID, Rev: p.Rev},
		Type:             TypePost,
		FeedID:           p.FeedID,
		FeedSubscribedAt: p.FeedSubscribedAt,
		DeletedAt:        now,
		ReadUpdatedAt:    p.ReadUpdatedAt,
	}
}

// Clone returns a deep copy of the post.
func (p *Post) Clone() *Post {
	c := *p
	c.Content = append([]Detail(nil), p.Content...)
	c.Tags = append([]string(nil), p.Tags...)
	c.Extra = cloneExtra(p.Extra)
	if p.SummaryDetail != nil {
		d := *p.SummaryDetail
		c.SummaryDetail = &d
	}
	if p.Author != nil {
		a := *p.Author
		c.Author = &a
	}
	return &c
}

// PostID derives the deterministic document id for a post from its feed
// and the entry's natural id.
func PostID(feedID, naturalID string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(feedID+" "+naturalID)))
}

// Summary holds the aggregate post counts for one feed. It is derived
// from the store's summary view and adjusted in lockstep with post
// mutations, never stored on its own.
type Summary struct {
	Total        int64 `json:"total"`
	Read         int64 `json:"read"`
	StarredTotal int64 `json:"starred_total"`
	StarredRead  int64 `json:"starred_read"`
}

// Add accumulates another summary into s.
func (s *Summary) Add(o Summary) {
	s.Total += o.Total
	s.Read += o.Read
	s.StarredTotal += o.StarredTotal
	s.StarredRead += o.StarredRead
}

// Unread returns the number of unread posts.
func (s Summary) Unread() int64 { return s.Total - s.Read }

func cloneExtra(extra map[string]json.RawMessage) map[string]json.RawMessage {
	if extra == nil {
		return nil
	}
	c := make(map[string]json.RawMessage, len(extra))
	for k, v := range extra {
		c[k] = v
	}
	return c
}
