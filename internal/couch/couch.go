// Package couch is the typed client for the remote replicated document
// store. All traffic goes through the bounded fetch pool; writes rely on
// optimistic concurrency over revision tokens rather than locking.
package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/bryan-buckman/feedsync/internal/fetch"
)

var (
	// ErrNotFound marks a document or attachment that does not exist.
	ErrNotFound = errors.New("couch: not found")
	// ErrConflict marks a write that lost an optimistic-concurrency race.
	ErrConflict = errors.New("couch: document update conflict")
	// ErrTooManyConflicts is returned when a bulk modification keeps
	// colliding past its retry budget.
	ErrTooManyConflicts = errors.New("couch: too many conflicting writes")
)

// ResponseError is a store response that is neither success nor one of
// the classified error shapes.
type ResponseError struct {
	Status int
	Name   string // the store's "error" field
	Reason string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("couch: %s (%s), status %d", e.Name, e.Reason, e.Status)
}

// Doc is any document the client can persist. model.Meta provides the
// implementation.
type Doc interface {
	DocID() string
	DocRev() string
	SetDocMeta(id, rev string)
}

// Row is one result row of a view query.
type Row struct {
	ID    string          `json:"id"`
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
	Doc   json.RawMessage `json:"doc,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Params are view query parameters. Key, StartKey and EndKey are
// JSON-typed and serialized as JSON before URL encoding; a non-nil Keys
// switches the query to the POST-with-body variant.
type Params struct {
	Key      interface{}
	StartKey interface{}
	EndKey   interface{}
	Keys     []string
	Group    bool
}

// BulkResult is the per-document outcome of a bulk write.
type BulkResult struct {
	ID       string
	Rev      string
	Conflict bool
}

// Client speaks to one database of the store.
type Client struct {
	fetcher *fetch.Client
	base    string // e.g. http://127.0.0.1:5984/feedsync
}

// NewClient returns a client for the database at baseURL.
func NewClient(fetcher *fetch.Client, baseURL string) *Client {
	return &Client{fetcher: fetcher, base: strings.TrimRight(baseURL, "/")}
}

// storeResponse is the envelope of a write acknowledgement.
type storeResponse struct {
	OK     bool   `json:"ok"`
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Name   string `json:"error"`
	Reason string `json:"reason"`
}

// classify turns a non-ok store body into the matching error value.
func classify(status int, body []byte) error {
	var sr storeResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return &ResponseError{Status: status, Reason: string(body)}
	}
	switch sr.Name {
	case "conflict":
		return ErrConflict
	case "not_found":
		return ErrNotFound
	default:
		return &ResponseError{Status: status, Name: sr.Name, Reason: sr.Reason}
	}
}

// do issues one JSON request against the database.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (int, []byte, error) {
	uri := c.base + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}

	header := http.Header{"Accept": []string{"application/json"}}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(err, "encoding request body failed")
		}
		header.Set("Content-Type", "application/json")
	}

	resp, err := c.fetcher.Request(ctx, method, uri, header, payload)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, resp.Body, nil
}

// Load fetches the document id into out.
func (c *Client) Load(ctx context.Context, id string, out Doc) error {
	status, body, err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return errors.Wrapf(err, "loading document %s failed", id)
	}
	if status != http.StatusOK {
		return errors.Wrapf(classify(status, body), "loading document %s failed", id)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "decoding document %s failed", id)
	}
	return nil
}

// Save writes the document: POST for a fresh document without an id, PUT
// otherwise. On success the document's id and revision are updated from
// the store's acknowledgement.
func (c *Client) Save(ctx context.Context, doc Doc) error {
	var status int
	var body []byte
	var err error
	if doc.DocID() == "" {
		status, body, err = c.do(ctx, http.MethodPost, "", nil, doc)
	} else {
		status, body, err = c.do(ctx, http.MethodPut, "/"+url.PathEscape(doc.DocID()), nil, doc)
	}
	if err != nil {
		return errors.Wrapf(err, "saving document %s failed", doc.DocID())
	}

	var sr storeResponse
	if jsonErr := json.Unmarshal(body, &sr); jsonErr != nil || !sr.OK {
		return errors.Wrapf(classify(status, body), "saving document %s failed", doc.DocID())
	}
	doc.SetDocMeta(sr.ID, sr.Rev)
	return nil
}

// View queries the named server-side index. Names use the
// "design/view" form.
func (c *Client) View(ctx context.Context, name string, p Params) ([]Row, error) {
	design, view, ok := strings.Cut(name, "/")
	if !ok {
		return nil, errors.Errorf("bad view name %q", name)
	}
	path := fmt.Sprintf("/_design/%s/_view/%s", url.PathEscape(design), url.PathEscape(view))
	return c.queryRows(ctx, path, p)
}

func (c *Client) queryRows(ctx context.Context, path string, p Params) ([]Row, error) {
	query := url.Values{}
	for _, kv := range []struct {
		name  string
		value interface{}
	}{{"key", p.Key}, {"startkey", p.StartKey}, {"endkey", p.EndKey}} {
		if kv.value == nil {
			continue
		}
		enc, err := json.Marshal(kv.value)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding view param %s failed", kv.name)
		}
		query.Set(kv.name, string(enc))
	}
	if p.Group {
		query.Set("group", "true")
	}

	var status int
	var body []byte
	var err error
	if p.Keys != nil {
		status, body, err = c.do(ctx, http.MethodPost, path, query, map[string][]string{"keys": p.Keys})
	} else {
		status, body, err = c.do(ctx, http.MethodGet, path, query, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s failed", path)
	}
	if status != http.StatusOK {
		return nil, errors.Wrapf(classify(status, body), "querying %s failed", path)
	}

	var result struct {
		Rows []Row `json:"rows"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, errors.Wrapf(err, "decoding rows of %s failed", path)
	}
	return result.Rows, nil
}

// LoadMany resolves the given ids through the all-documents index and
// returns the raw bodies of the subset that exists.
func (c *Client) LoadMany(ctx context.Context, ids []string) ([]json.RawMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := url.Values{"include_docs": []string{"true"}}
	status, body, err := c.do(ctx, http.MethodPost, "/_all_docs", query, map[string][]string{"keys": ids})
	if err != nil {
		return nil, errors.Wrap(err, "bulk load failed")
	}
	if status != http.StatusOK {
		return nil, errors.Wrap(classify(status, body), "bulk load failed")
	}

	var result struct {
		Rows []Row `json:"rows"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, errors.Wrap(err, "decoding bulk load rows failed")
	}
	docs := make([]json.RawMessage, 0, len(result.Rows))
	for _, row := range result.Rows {
		if row.Error != "" || len(row.Doc) == 0 || string(row.Doc) == "null" {
			continue
		}
		docs = append(docs, row.Doc)
	}
	return docs, nil
}

// SaveMany writes the documents in one bulk call and returns one outcome
// per document, in order. Conflicts are reported per document; any other
// per-document error fails the whole call. Successful documents get their
// new revision recorded in place.
func (c *Client) SaveMany(ctx context.Context, docs []Doc) ([]BulkResult, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	status, body, err := c.do(ctx, http.MethodPost, "/_bulk_docs", nil, map[string]interface{}{"docs": docs})
	if err != nil {
		return nil, errors.Wrap(err, "bulk save failed")
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, errors.Wrap(classify(status, body), "bulk save failed")
	}

	var acks []storeResponse
	if err := json.Unmarshal(body, &acks); err != nil {
		return nil, errors.Wrap(err, "decoding bulk save response failed")
	}
	if len(acks) != len(docs) {
		return nil, errors.Errorf("bulk save returned %d outcomes for %d documents", len(acks), len(docs))
	}

	results := make([]BulkResult, len(acks))
	for i, ack := range acks {
		switch {
		case ack.Name == "conflict":
			results[i] = BulkResult{ID: docs[i].DocID(), Conflict: true}
		case ack.Name != "":
			return nil, errors.Wrapf(&ResponseError{Status: status, Name: ack.Name, Reason: ack.Reason},
				"bulk save of %s failed", docs[i].DocID())
		default:
			docs[i].SetDocMeta(ack.ID, ack.Rev)
			results[i] = BulkResult{ID: ack.ID, Rev: ack.Rev}
		}
	}
	return results, nil
}
