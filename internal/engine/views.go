package engine

import (
	"context"

	"github.com/bryan-buckman/feedsync/internal/couch"
	"github.com/bryan-buckman/feedsync/internal/model"
)

// Server-side index names. The store maintains these as map/reduce views
// inside one design document.
const (
	designDocID = "_design/feedsync"

	viewFeed          = "feedsync/feed"
	viewSummary       = "feedsync/summary"
	viewFeedPost      = "feedsync/feed_post"
	viewPostsToGC     = "feedsync/posts_to_gc"
	viewDeletedFeeds  = "feedsync/deleted_feeds"
	viewPostsByFeed   = "feedsync/posts_by_feed"
	viewRedirectFeeds = "feedsync/redirect_feeds"
)

const feedMap = `
function (doc) {
  if (doc.type == 'feed') {
    emit(doc._id, doc);
  }
}
`

const summaryMap = `
function (doc) {
  if (doc.type == 'post' && !doc.deleted_at) {
    var read = doc.read_updated_at >= doc.updated_at ? 1 : 0;
    var starred = doc.starred ? 1 : 0;
    emit(doc.feed_id, {
      total: 1,
      read: read,
      starred_total: starred,
      starred_read: starred && read ? 1 : 0,
    });
  }
}
`

const summaryReduce = `
function (keys, values, rereduce) {
  var r = {total: 0, read: 0, starred_total: 0, starred_read: 0};
  values.forEach(function (v) {
    r.total += v.total;
    r.read += v.read;
    r.starred_total += v.starred_total;
    r.starred_read += v.starred_read;
  });
  return r;
}
`

const feedPostMap = `
function (doc) {
  if (doc.type == 'post' && !doc.deleted_at) {
    emit(doc.feed_id, {
      _id: doc._id,
      _rev: doc._rev,
      type: doc.type,
      feed_id: doc.feed_id,
      title: doc.title,
      link: doc.link,
      starred: doc.starred,
      read_updated_at: doc.read_updated_at,
      updated_at: doc.updated_at,
      published_at: doc.published_at,
    });
  }
}
`

const postsToGCMap = `
function (doc) {
  if (doc.type != 'post') return;
  if (doc.starred) return;
  if (doc.feed_deleted) {
    emit(doc._id, {rev: doc._rev, feed_deleted: true});
    return;
  }
  if (doc.deleted_at) return;
  if (doc.read_updated_at >= doc.updated_at) {
    emit(doc._id, {rev: doc._rev, read_at: doc.read_at});
  }
}
`

const deletedFeedsMap = `
function (doc) {
  if (doc.type != 'feed') return;
  if (doc.deleted_at > doc.subscribed_at) {
    emit(doc._id, {rev: doc._rev, subscribed_at: doc.subscribed_at});
  }
}
`

const postsByFeedMap = `
function (doc) {
  if (doc.type != 'post') return;
  emit(doc.feed_id, {
    _id: doc._id,
    rev: doc._rev,
    feed_subscribed_at: doc.feed_subscribed_at,
    feed_deleted: doc.feed_deleted,
  });
}
`

const redirectFeedsMap = `
function (doc) {
  if (doc.type == 'feed' && doc.error == 'redirect') {
    emit(doc._id, {rev: doc._rev});
  }
}
`

type viewDef struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
}

type designDoc struct {
	model.Meta
	Language string             `json:"language,omitempty"`
	Views    map[string]viewDef `json:"views"`
}

// EnsureViews idempotently installs the engine's design document,
// adding any views missing from an existing one.
func EnsureViews(ctx context.Context, db *couch.Client) error {
	wanted := map[string]viewDef{
		"feed":           {Map: feedMap},
		"summary":        {Map: summaryMap, Reduce: summaryReduce},
		"feed_post":      {Map: feedPostMap},
		"posts_to_gc":    {Map: postsToGCMap},
		"deleted_feeds":  {Map: deletedFeedsMap},
		"posts_by_feed":  {Map: postsByFeedMap},
		"redirect_feeds": {Map: redirectFeedsMap},
	}

	_, err := db.Modify(ctx, designDocID,
		func() couch.Doc { return &designDoc{} },
		func(d couch.Doc) bool {
			ddoc := d.(*designDoc)
			if ddoc.Language == "" {
				ddoc.Language = "javascript"
			}
			if ddoc.Views == nil {
				ddoc.Views = make(map[string]viewDef)
			}
			changed := false
			for name, def := range wanted {
				if _, ok := ddoc.Views[name]; !ok {
					ddoc.Views[name] = def
					changed = true
				}
			}
			return changed
		},
		true)
	return err
}
