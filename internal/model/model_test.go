package model

import (
	"encoding/json"
	"testing"
)

func TestPostID(t *testing.T) {
	a := PostID("http://example.com/feed", "guid-1")
	b := PostID("http://example.com/feed", "guid-1")
	if a != b {
		t.Errorf("same input produced different ids: %s vs %s", a, b)
	}
	if len(a) != 40 {
		t.Errorf("id %q is not a sha1 hex digest", a)
	}
	if a == PostID("http://example.com/feed", "guid-2") {
		t.Error("different natural ids collided")
	}
	if a == PostID("http://other.example/feed", "guid-1") {
		t.Error("different feeds collided")
	}
}

func TestReadInvariant(t *testing.T) {
	p := Post{UpdatedAt: 200}
	if p.Read() {
		t.Error("post with no read marker counts as read")
	}
	p.ReadUpdatedAt = 199
	if p.Read() {
		t.Error("stale read marker counts as read")
	}
	p.ReadUpdatedAt = 200
	if !p.Read() {
		t.Error("read marker at updated_at does not count as read")
	}
}

func TestSubscribedInvariant(t *testing.T) {
	f := Feed{SubscribedAt: 100}
	if !f.Subscribed() {
		t.Error("feed without deleted_at is not subscribed")
	}
	f.DeletedAt = 150
	if f.Subscribed() {
		t.Error("deleted feed still subscribed")
	}
	f.SubscribedAt = 150
	if !f.Subscribed() {
		t.Error("re-subscription at deletion time not subscribed")
	}
}

func TestFeedExtraRoundTrip(t *testing.T) {
	raw := []byte(`{
		"_id": "http://example.com/feed",
		"_rev": "3-abc",
		"type": "feed",
		"source_uri": "http://example.com/feed",
		"title": "Example",
		"x-peer-field": {"nested": true},
		"another": 7
	}`)

	var f Feed
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Title != "Example" || f.Rev != "3-abc" {
		t.Errorf("typed fields not populated: %+v", f)
	}
	if len(f.Extra) != 2 {
		t.Fatalf("extra = %v, want the 2 unrecognized fields", f.Extra)
	}

	f.Title = "Renamed"
	out, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var echo map[string]json.RawMessage
	if err := json.Unmarshal(out, &echo); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if string(echo["title"]) != `"Renamed"` {
		t.Errorf("title = %s", echo["title"])
	}
	if string(echo["x-peer-field"]) != `{"nested": true}` && string(echo["x-peer-field"]) != `{"nested":true}` {
		t.Errorf("peer field lost: %s", echo["x-peer-field"])
	}
	if string(echo["another"]) != "7" {
		t.Errorf("peer field lost: %s", echo["another"])
	}
}

func TestPostTombstoneFields(t *testing.T) {
	p := Post{
		Meta:             Meta{ID: "abc", Rev: "5-def"},
		Type:             TypePost,
		FeedID:           "http://example.com/feed",
		Title:            "A title",
		Link:             "http://example.com/1",
		UpdatedAt:        100,
		PublishedAt:      90,
		Content:          []Detail{{Type: "text/html", Value: "<p>hi</p>"}},
		Tags:             []string{"a"},
		ReadUpdatedAt:    100,
		ReadAt:           120,
		FeedSubscribedAt: 50,
	}
	p.Tombstone(500)

	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := map[string]string{
		"_id":                "abc",
		"_rev":               "5-def",
		"type":               "post",
		"feed_id":            "http://example.com/feed",
		"feed_subscribed_at": "50",
		"deleted_at":         "500",
		"read_updated_at":    "100",
	}
	for k := range want {
		if _, ok := fields[k]; !ok {
			t.Errorf("tombstone missing %s", k)
		}
	}
	for k := range fields {
		if _, ok := want[k]; !ok {
			t.Errorf("tombstone kept unexpected field %s = %s", k, fields[k])
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	f := Feed{
		Title:       "a",
		IconRejects: []string{"http://x/favicon.ico"},
		Author:      &Author{Name: "someone"},
		Extra:       map[string]json.RawMessage{"k": json.RawMessage(`1`)},
	}
	c := f.Clone()
	c.IconRejects[0] = "changed"
	c.Author.Name = "else"
	c.Extra["k"] = json.RawMessage(`2`)

	if f.IconRejects[0] != "http://x/favicon.ico" || f.Author.Name != "someone" || string(f.Extra["k"]) != "1" {
		t.Errorf("clone shares state with original: %+v", f)
	}
}
