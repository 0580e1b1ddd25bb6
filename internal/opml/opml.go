// Package opml handles importing and exporting OPML subscription lists.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (group or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// FeedEntry is one subscription. Grouping outlines are flattened away;
// subscriptions are a flat list keyed by feed URL.
type FeedEntry struct {
	Title   string
	URL     string
	SiteURL string
}

// Parse reads an OPML document and returns its feeds as a flat list,
// walking into grouping outlines.
func Parse(r io.Reader) ([]FeedEntry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}

	var entries []FeedEntry
	seen := make(map[string]bool)
	var walk func(outlines []Outline)
	walk = func(outlines []Outline) {
		for _, o := range outlines {
			if o.XMLURL != "" && !seen[o.XMLURL] {
				seen[o.XMLURL] = true
				title := o.Title
				if title == "" {
					title = o.Text
				}
				entries = append(entries, FeedEntry{
					Title:   title,
					URL:     o.XMLURL,
					SiteURL: o.HTMLURL,
				})
			}
			walk(o.Outlines)
		}
	}
	walk(doc.Body.Outlines)
	return entries, nil
}

// Export generates an OPML document from a flat list of subscriptions.
func Export(title string, entries []FeedEntry) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: time.Now().Format(time.RFC1123Z),
		},
	}
	for _, e := range entries {
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Text:    e.Title,
			Title:   e.Title,
			Type:    "rss",
			XMLURL:  e.URL,
			HTMLURL: e.SiteURL,
		})
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
