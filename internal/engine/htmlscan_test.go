package engine

import "testing"

func TestFindAlternateFeed(t *testing.T) {
	body := []byte(`<html><head>
		<title>Some Blog</title>
		<link rel="stylesheet" href="/style.css">
		<link rel="alternate" type="application/rss+xml" href="/feed.xml">
	</head><body></body></html>`)

	uri, title := findAlternateFeed(body, "http://blog.example/posts/")
	if uri != "http://blog.example/feed.xml" {
		t.Errorf("uri = %q", uri)
	}
	if title != "Some Blog" {
		t.Errorf("title = %q", title)
	}
}

func TestFindAlternateFeedAbsolute(t *testing.T) {
	body := []byte(`<html><head>
		<link rel="alternate" type="application/atom+xml" href="http://feeds.example/atom">
	</head></html>`)

	uri, _ := findAlternateFeed(body, "http://blog.example/")
	if uri != "http://feeds.example/atom" {
		t.Errorf("uri = %q", uri)
	}
}

func TestFindAlternateFeedNone(t *testing.T) {
	if uri, _ := findAlternateFeed([]byte(`<html><head></head></html>`), "http://x/"); uri != "" {
		t.Errorf("uri = %q, want none", uri)
	}
}

func TestFindShortcutIcon(t *testing.T) {
	body := []byte(`<html><head>
		<link rel="shortcut icon" href="/img/fav.ico">
	</head></html>`)

	if got := findShortcutIcon(body, "http://blog.example/about"); got != "http://blog.example/img/fav.ico" {
		t.Errorf("icon = %q", got)
	}
	if got := findShortcutIcon([]byte("<html></html>"), "http://blog.example/"); got != "" {
		t.Errorf("icon = %q, want none", got)
	}
}

func TestResolveRef(t *testing.T) {
	cases := []struct {
		base, ref, want string
	}{
		{"http://a.example/dir/page", "/feed", "http://a.example/feed"},
		{"http://a.example/dir/page", "feed", "http://a.example/dir/feed"},
		{"http://a.example/", "http://b.example/x", "http://b.example/x"},
		{"http://a.example/", "", ""},
		{"://bad", "feed", ""},
	}
	for _, c := range cases {
		if got := resolveRef(c.base, c.ref); got != c.want {
			t.Errorf("resolveRef(%q, %q) = %q, want %q", c.base, c.ref, got, c.want)
		}
	}
}

func TestLooksLikeImage(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want bool
	}{
		{"ico", []byte{0x00, 0x00, 0x01, 0x00, 0x01}, true},
		{"png", append([]byte{0x89}, []byte("PNG\r\n")...), true},
		{"gif", []byte("GIF89a...."), true},
		{"jpeg", []byte{0xff, 0xd8, 0xff, 0xe0}, true},
		{"html", []byte("<html><body>404</body></html>"), false},
		{"empty", nil, false},
	}
	for _, c := range cases {
		if got := looksLikeImage(c.data); got != c.want {
			t.Errorf("%s: looksLikeImage = %v, want %v", c.name, got, c.want)
		}
	}
}
