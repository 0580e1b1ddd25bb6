package couch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// Attachment fetches the named binary attachment of a document. The
// content type reported by the store is returned alongside the payload.
func (c *Client) Attachment(ctx context.Context, docID, name string) ([]byte, string, error) {
	path := "/" + url.PathEscape(docID) + "/" + url.PathEscape(name)
	resp, err := c.fetcher.Request(ctx, http.MethodGet, c.base+path, nil, nil)
	if err != nil {
		return nil, "", errors.Wrapf(err, "loading attachment %s of %s failed", name, docID)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.Wrapf(classify(resp.StatusCode, resp.Body),
			"loading attachment %s of %s failed", name, docID)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// PutAttachment stores the named attachment against the document's
// current revision and returns the new revision.
func (c *Client) PutAttachment(ctx context.Context, docID, name, rev, contentType string, data []byte) (string, error) {
	path := "/" + url.PathEscape(docID) + "/" + url.PathEscape(name)
	query := url.Values{"rev": []string{rev}}
	header := http.Header{"Content-Type": []string{contentType}}

	resp, err := c.fetcher.Request(ctx, http.MethodPut, c.base+path+"?"+query.Encode(), header, data)
	if err != nil {
		return "", errors.Wrapf(err, "storing attachment %s of %s failed", name, docID)
	}
	return attachmentAck(resp.StatusCode, resp.Body, docID, name)
}

// DeleteAttachment removes the named attachment and returns the new
// revision.
func (c *Client) DeleteAttachment(ctx context.Context, docID, name, rev string) (string, error) {
	path := "/" + url.PathEscape(docID) + "/" + url.PathEscape(name)
	query := url.Values{"rev": []string{rev}}

	resp, err := c.fetcher.Request(ctx, http.MethodDelete, c.base+path+"?"+query.Encode(), nil, nil)
	if err != nil {
		return "", errors.Wrapf(err, "deleting attachment %s of %s failed", name, docID)
	}
	return attachmentAck(resp.StatusCode, resp.Body, docID, name)
}

func attachmentAck(status int, body []byte, docID, name string) (string, error) {
	var sr storeResponse
	if err := json.Unmarshal(body, &sr); err != nil || !sr.OK {
		return "", errors.Wrapf(classify(status, body), "attachment %s of %s", name, docID)
	}
	return sr.Rev, nil
}
