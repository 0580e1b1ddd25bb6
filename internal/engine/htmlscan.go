package engine

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// findAlternateFeed scans an HTML page for an alternate feed link. It
// returns the resolved feed URI and the page title (a better default
// title for the feed), or empty strings when nothing is discoverable.
func findAlternateFeed(body []byte, base string) (uri, title string) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", ""
	}

	doc.Find(`link[rel="alternate"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		typ, _ := sel.Attr("type")
		switch strings.ToLower(typ) {
		case "application/rss+xml", "application/atom+xml", "application/feed+json":
		default:
			return true
		}
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return true
		}
		uri = resolveRef(base, href)
		return uri == ""
	})
	if uri == "" {
		return "", ""
	}
	return uri, strings.TrimSpace(doc.Find("title").First().Text())
}

// findShortcutIcon scans an HTML page for a shortcut icon link and
// resolves it against the page URI.
func findShortcutIcon(body []byte, base string) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var icon string
	doc.Find("link[rel]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		rel, _ := sel.Attr("rel")
		switch strings.ToLower(rel) {
		case "shortcut icon", "icon":
		default:
			return true
		}
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return true
		}
		icon = resolveRef(base, href)
		return icon == ""
	})
	return icon
}

// resolveRef resolves ref against base, returning an absolute URI or
// empty on malformed input.
func resolveRef(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	resolved := b.ResolveReference(r)
	if resolved.Hostname() == "" {
		return ""
	}
	return resolved.String()
}
