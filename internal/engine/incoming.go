package engine

import (
	"strconv"

	"github.com/mmcdole/gofeed"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// incomingFeed adapts one parsed feed to the fields the engine stores.
// The parser itself is a black box; this layer only normalizes
// timestamps, identities and content variants.
type incomingFeed struct {
	parsed *gofeed.Feed
}

func (f incomingFeed) title() string    { return f.parsed.Title }
func (f incomingFeed) subtitle() string { return f.parsed.Description }
func (f incomingFeed) link() string     { return f.parsed.Link }

func (f incomingFeed) author() *model.Author {
	return toAuthor(f.parsed.Author)
}

// iconHint returns the icon URI embedded in the feed, if any.
func (f incomingFeed) iconHint() string {
	if f.parsed.Image != nil {
		return f.parsed.Image.URL
	}
	return ""
}

func (f incomingFeed) updatedAt() int64 {
	if f.parsed.UpdatedParsed != nil {
		return f.parsed.UpdatedParsed.Unix()
	}
	if f.parsed.PublishedParsed != nil {
		return f.parsed.PublishedParsed.Unix()
	}
	return 0
}

func (f incomingFeed) posts() []incomingPost {
	posts := make([]incomingPost, 0, len(f.parsed.Items))
	for _, item := range f.parsed.Items {
		if item != nil {
			posts = append(posts, incomingPost{item: item})
		}
	}
	return posts
}

// incomingPost adapts one parsed entry.
type incomingPost struct {
	item *gofeed.Item
}

// updatedAt falls back through the entry's timestamp fields. Zero means
// the entry has no usable timestamp and is skipped by the merge.
func (p incomingPost) updatedAt() int64 {
	if p.item.UpdatedParsed != nil {
		return p.item.UpdatedParsed.Unix()
	}
	if p.item.PublishedParsed != nil {
		return p.item.PublishedParsed.Unix()
	}
	return 0
}

func (p incomingPost) publishedAt() int64 {
	if p.item.PublishedParsed != nil {
		return p.item.PublishedParsed.Unix()
	}
	return 0
}

// naturalID tries hard to find a stable identity for the entry.
func (p incomingPost) naturalID() string {
	if p.item.GUID != "" {
		return p.item.GUID
	}
	if p.item.Link != "" {
		return p.item.Link
	}
	return strconv.FormatInt(p.updatedAt(), 10)
}

func (p incomingPost) title() string { return p.item.Title }
func (p incomingPost) link() string  { return p.item.Link }

func (p incomingPost) content() []model.Detail {
	if p.item.Content == "" {
		return nil
	}
	return []model.Detail{{Type: "text/html", Value: p.item.Content}}
}

func (p incomingPost) summaryDetail() *model.Detail {
	if p.item.Description == "" {
		return nil
	}
	return &model.Detail{Type: "text/html", Value: p.item.Description}
}

func (p incomingPost) author() *model.Author {
	return toAuthor(p.item.Author)
}

func (p incomingPost) tags() []string {
	return append([]string(nil), p.item.Categories...)
}

func toAuthor(person *gofeed.Person) *model.Author {
	if person == nil || (person.Name == "" && person.Email == "") {
		return nil
	}
	return &model.Author{Name: person.Name, Email: person.Email}
}
