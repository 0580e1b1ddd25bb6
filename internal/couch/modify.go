package couch

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// bulkRetryLimit bounds how often a bulk modification re-runs its
// conflicted subset before giving up.
const bulkRetryLimit = 10

// Modify runs the read-modify-write loop for a single document.
//
// The first pass works on a bare shell carrying only the id (or the
// document returned by fresh, if it already has one), unless loadFirst is
// set. mutate returning false abandons the modification with a nil
// document. A conflicting save reloads the latest revision and retries;
// the loop runs until it wins the race or the context is cancelled.
func (c *Client) Modify(ctx context.Context, id string, fresh func() Doc, mutate func(Doc) bool, loadFirst bool) (Doc, error) {
	load := loadFirst
	for {
		doc := fresh()
		if load {
			if err := c.Load(ctx, id, doc); err != nil && !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		}
		if doc.DocID() == "" {
			doc.SetDocMeta(id, "")
		}

		if !mutate(doc) {
			return nil, nil
		}

		err := c.Save(ctx, doc)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		load = true
	}
}

// ModifyMany runs the read-modify-write loop over a batch. Most documents
// succeed on the first bulk write; only the conflicted subset is reloaded
// and retried, up to a bounded number of passes, after which
// ErrTooManyConflicts is returned. Results are merged back in the
// caller's id order; abandoned documents are left out.
func (c *Client) ModifyMany(ctx context.Context, ids []string, fresh func() Doc, mutate func(Doc) bool, loadFirst bool) ([]Doc, error) {
	return c.modifyMany(ctx, ids, fresh, mutate, loadFirst, bulkRetryLimit)
}

// ModifyManyOnce is the single-pass variant: conflicting documents are
// silently dropped from the result instead of retried. The garbage
// collector uses this to never clobber a concurrent writer.
func (c *Client) ModifyManyOnce(ctx context.Context, ids []string, fresh func() Doc, mutate func(Doc) bool, loadFirst bool) ([]Doc, error) {
	return c.modifyMany(ctx, ids, fresh, mutate, loadFirst, 0)
}

func (c *Client) modifyMany(ctx context.Context, ids []string, fresh func() Doc, mutate func(Doc) bool, loadFirst bool, retries int) ([]Doc, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	saved := make(map[string]Doc, len(ids))
	remaining := ids
	load := loadFirst

	for pass := 0; ; pass++ {
		docs, err := c.batchDocs(ctx, remaining, fresh, load)
		if err != nil {
			return nil, err
		}

		save := docs[:0]
		for _, doc := range docs {
			if mutate(doc) {
				save = append(save, doc)
			}
		}
		if len(save) == 0 {
			break
		}

		results, err := c.SaveMany(ctx, save)
		if err != nil {
			return nil, err
		}

		var conflicted []string
		for i, r := range results {
			if r.Conflict {
				conflicted = append(conflicted, save[i].DocID())
			} else {
				saved[save[i].DocID()] = save[i]
			}
		}
		if len(conflicted) == 0 {
			break
		}
		if pass >= retries {
			if retries > 0 {
				return nil, errors.Wrapf(ErrTooManyConflicts, "%d documents after %d passes", len(conflicted), pass+1)
			}
			break
		}
		remaining = conflicted
		load = true
	}

	out := make([]Doc, 0, len(saved))
	for _, id := range ids {
		if doc, ok := saved[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// batchDocs materializes the working set for one bulk pass: loaded
// current revisions when load is set (ids that vanished fall back to
// bare shells), bare shells otherwise.
func (c *Client) batchDocs(ctx context.Context, ids []string, fresh func() Doc, load bool) ([]Doc, error) {
	byID := make(map[string]Doc, len(ids))
	if load {
		raws, err := c.LoadMany(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, raw := range raws {
			doc := fresh()
			if err := json.Unmarshal(raw, doc); err != nil {
				return nil, errors.Wrap(err, "decoding bulk document failed")
			}
			byID[doc.DocID()] = doc
		}
	}

	docs := make([]Doc, 0, len(ids))
	for _, id := range ids {
		doc, ok := byID[id]
		if !ok {
			doc = fresh()
			doc.SetDocMeta(id, "")
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
