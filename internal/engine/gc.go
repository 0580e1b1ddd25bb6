package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bryan-buckman/feedsync/internal/couch"
	"github.com/bryan-buckman/feedsync/internal/model"
)

// retentionWindow is how long a read, unstarred post survives before
// the collector reduces it to a tombstone.
const retentionWindow = 7 * 24 * time.Hour

// Collect runs one garbage collection cycle. Every pass queries a
// candidate set from the store and applies a revision-fenced single
// attempt bulk write: a document whose revision moved since the query,
// or that conflicts on save, is left for the next cycle rather than
// retried. That keeps the collector from ever clobbering a concurrent
// refresh or reader.
func (e *Engine) Collect(ctx context.Context) error {
	if err := e.collectPosts(ctx); err != nil {
		return fmt.Errorf("gc posts: %w", err)
	}
	deleted, err := e.deletedFeeds(ctx)
	if err != nil {
		return fmt.Errorf("gc feeds: %w", err)
	}
	if err := e.collectFeeds(ctx, deleted); err != nil {
		return fmt.Errorf("gc feeds: %w", err)
	}
	if err := e.markDeletedFeedPosts(ctx, deleted); err != nil {
		return fmt.Errorf("gc mark posts: %w", err)
	}
	if err := e.collectRedirectStubs(ctx); err != nil {
		return fmt.Errorf("gc redirect stubs: %w", err)
	}
	return nil
}

// gcMark is the per-post fencing data emitted by the collection view.
type gcMark struct {
	Rev         string `json:"rev"`
	FeedDeleted bool   `json:"feed_deleted"`
	ReadAt      int64  `json:"read_at"`
}

// collectPosts removes posts of deleted feeds outright and reduces
// read, unstarred posts past the retention window to tombstones.
func (e *Engine) collectPosts(ctx context.Context) error {
	rows, err := e.db.View(ctx, viewPostsToGC, couch.Params{})
	if err != nil {
		return err
	}

	now := e.now()
	cutoff := now.Add(-retentionWindow).Unix()
	marks := make(map[string]gcMark)
	var ids []string
	for _, row := range rows {
		var m gcMark
		if err := json.Unmarshal(row.Value, &m); err != nil {
			continue
		}
		if !m.FeedDeleted && m.ReadAt >= cutoff {
			continue
		}
		marks[row.ID] = m
		ids = append(ids, row.ID)
	}
	if len(ids) == 0 {
		return nil
	}

	saved, err := e.db.ModifyManyOnce(ctx, ids,
		func() couch.Doc { return &model.Post{} },
		func(d couch.Doc) bool {
			p := d.(*model.Post)
			m := marks[p.ID]
			if p.Rev != m.Rev {
				return false
			}
			if m.FeedDeleted {
				p.Deleted = true
				return true
			}
			p.Tombstone(now.Unix())
			return true
		}, true)
	if err != nil {
		return err
	}

	deltas := make(map[string]model.Summary)
	for _, d := range saved {
		p := d.(*model.Post)
		if p.Deleted {
			continue
		}
		delta := deltas[p.FeedID]
		delta.Total--
		delta.Read--
		deltas[p.FeedID] = delta
		e.bus.Emit(Event{Type: EventPostRemoved, FeedID: p.FeedID, PostID: p.ID})
	}
	e.applyDeltas(deltas)
	return nil
}

// deletedFeed is one unsubscribed feed as reported by its view,
// fenced by revision and by the subscription time it was deleted under.
type deletedFeed struct {
	id           string
	rev          string
	subscribedAt int64
}

func (e *Engine) deletedFeeds(ctx context.Context) ([]deletedFeed, error) {
	rows, err := e.db.View(ctx, viewDeletedFeeds, couch.Params{})
	if err != nil {
		return nil, err
	}
	feeds := make([]deletedFeed, 0, len(rows))
	for _, row := range rows {
		var v struct {
			Rev          string `json:"rev"`
			SubscribedAt int64  `json:"subscribed_at"`
		}
		if err := json.Unmarshal(row.Value, &v); err != nil {
			continue
		}
		feeds = append(feeds, deletedFeed{id: row.ID, rev: v.Rev, subscribedAt: v.SubscribedAt})
	}
	return feeds, nil
}

// collectFeeds deletes unsubscribed feed documents whose posts are all
// gone, per the aggregation view.
func (e *Engine) collectFeeds(ctx context.Context, deleted []deletedFeed) error {
	if len(deleted) == 0 {
		return nil
	}

	ids := make([]string, len(deleted))
	revs := make(map[string]string, len(deleted))
	for i, df := range deleted {
		ids[i] = df.id
		revs[df.id] = df.rev
	}
	summaries, err := e.loadSummaries(ctx, ids)
	if err != nil {
		return err
	}

	var empty []string
	for _, id := range ids {
		if summaries[id].Total == 0 {
			empty = append(empty, id)
		}
	}
	_, err = e.db.ModifyManyOnce(ctx, empty,
		func() couch.Doc { return &model.Feed{} },
		func(d couch.Doc) bool {
			fd := d.(*model.Feed)
			if fd.Rev != revs[fd.ID] || fd.Subscribed() {
				return false
			}
			fd.Deleted = true
			return true
		}, true)
	return err
}

// markDeletedFeedPosts flags the surviving posts of unsubscribed feeds
// so the next post collection pass can claim them. A post stamped with
// a later subscription time belongs to a feed that was re-subscribed
// in the meantime and is left alone.
func (e *Engine) markDeletedFeedPosts(ctx context.Context, deleted []deletedFeed) error {
	for _, df := range deleted {
		rows, err := e.db.View(ctx, viewPostsByFeed, couch.Params{Key: df.id})
		if err != nil {
			return err
		}

		revs := make(map[string]string)
		var ids []string
		for _, row := range rows {
			var v struct {
				Rev              string `json:"rev"`
				FeedSubscribedAt int64  `json:"feed_subscribed_at"`
				FeedDeleted      bool   `json:"feed_deleted"`
			}
			if err := json.Unmarshal(row.Value, &v); err != nil {
				continue
			}
			if v.FeedDeleted || v.FeedSubscribedAt > df.subscribedAt {
				continue
			}
			revs[row.ID] = v.Rev
			ids = append(ids, row.ID)
		}
		if len(ids) == 0 {
			continue
		}

		subscribedAt := df.subscribedAt
		if _, err := e.db.ModifyManyOnce(ctx, ids,
			func() couch.Doc { return &model.Post{} },
			func(d couch.Doc) bool {
				p := d.(*model.Post)
				if p.Rev != revs[p.ID] || p.FeedSubscribedAt > subscribedAt {
					return false
				}
				p.FeedDeleted = true
				return true
			}, true); err != nil {
			return err
		}
	}
	return nil
}

// collectRedirectStubs deletes feeds left behind by a permanent
// redirect once they have no posts. They exist only as placeholders
// pointing at their successor.
func (e *Engine) collectRedirectStubs(ctx context.Context) error {
	rows, err := e.db.View(ctx, viewRedirectFeeds, couch.Params{})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	revs := make(map[string]string, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		var v struct {
			Rev string `json:"rev"`
		}
		if err := json.Unmarshal(row.Value, &v); err != nil {
			continue
		}
		revs[row.ID] = v.Rev
		ids = append(ids, row.ID)
	}
	summaries, err := e.loadSummaries(ctx, ids)
	if err != nil {
		return err
	}

	var empty []string
	for _, id := range ids {
		if summaries[id].Total == 0 {
			empty = append(empty, id)
		}
	}
	_, err = e.db.ModifyManyOnce(ctx, empty,
		func() couch.Doc { return &model.Feed{} },
		func(d couch.Doc) bool {
			fd := d.(*model.Feed)
			if fd.Rev != revs[fd.ID] || fd.Error != "redirect" {
				return false
			}
			fd.Deleted = true
			return true
		}, true)
	return err
}
