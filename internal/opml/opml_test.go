package opml

import (
	"bytes"
	"strings"
	"testing"
)

const nestedSample = `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <head><title>subscriptions</title></head>
  <body>
    <outline text="News">
      <outline text="Example" type="rss" xmlUrl="http://example.net/feed" htmlUrl="http://example.net/"/>
      <outline text="Nested Group">
        <outline text="Deep" title="Deep Feed" type="rss" xmlUrl="http://deep.example.net/rss"/>
      </outline>
    </outline>
    <outline text="Flat" type="rss" xmlUrl="http://flat.example.net/atom"/>
    <outline text="Dup" type="rss" xmlUrl="http://example.net/feed"/>
  </body>
</opml>`

func TestParseFlattensGroups(t *testing.T) {
	entries, err := Parse(strings.NewReader(nestedSample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3: %+v", len(entries), entries)
	}

	want := []FeedEntry{
		{Title: "Example", URL: "http://example.net/feed", SiteURL: "http://example.net/"},
		{Title: "Deep Feed", URL: "http://deep.example.net/rss"},
		{Title: "Flat", URL: "http://flat.example.net/atom"},
	}
	for i, w := range want {
		if entries[i] != w {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], w)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse(strings.NewReader("not xml at all")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExportRoundTrip(t *testing.T) {
	in := []FeedEntry{
		{Title: "One", URL: "http://one.example.net/feed", SiteURL: "http://one.example.net/"},
		{Title: "Two", URL: "http://two.example.net/feed"},
	}
	out, err := Export("my feeds", in)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !bytes.Contains(out, []byte(`version="2.0"`)) {
		t.Errorf("missing opml version attribute:\n%s", out)
	}

	back, err := Parse(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(back) != len(in) {
		t.Fatalf("got %d entries after round trip, want %d", len(back), len(in))
	}
	for i := range in {
		if back[i] != in[i] {
			t.Errorf("entry %d = %+v, want %+v", i, back[i], in[i])
		}
	}
}
