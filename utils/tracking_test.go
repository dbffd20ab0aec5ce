package utils

import (
	"net/url"
	"regexp"
	"strings"
	"testing"
)

func TestGenerateMessageID(t *testing.T) {
	re := regexp.MustCompile(`^msg_[0-9a-f]{32}$`)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := GenerateMessageID()
		if !re.MatchString(id) {
			t.Fatalf("unexpected message id format: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate message id: %q", id)
		}
		seen[id] = true
	}
}

func TestClickTrackingURL(t *testing.T) {
	got := ClickTrackingURL("https://app.example.com/", "msg_abc", "https://example.com/listing?id=42&ref=a b")
	want := "https://app.example.com/api/track/email/click/msg_abc?url=" +
		url.QueryEscape("https://example.com/listing?id=42&ref=a b")
	if got != want {
		t.Errorf("ClickTrackingURL = %q, want %q", got, want)
	}
}

func TestWrapLinksWithTracking(t *testing.T) {
	base := "https://app.example.com"
	id := "msg_1234"

	tests := []struct {
		name      string
		html      string
		untouched bool
	}{
		{
			name: "plain link is rewritten",
			html: `<p>Hi</p><a href="https://example.com/tour">Book a tour</a>`,
		},
		{
			name: "link with attributes is rewritten",
			html: `<a class="btn" href="https://example.com" target="_blank">Go</a>`,
		},
		{
			name:      "anchor fragment untouched",
			html:      `<a href="#pricing">See pricing</a>`,
			untouched: true,
		},
		{
			name:      "javascript uri untouched",
			html:      `<a href="javascript:void(0)">noop</a>`,
			untouched: true,
		},
		{
			name:      "mailto untouched",
			html:      `<a href="mailto:agent@example.com">Email me</a>`,
			untouched: true,
		},
		{
			name:      "already tracked link untouched",
			html:      `<a href="https://app.example.com/api/track/email/click/msg_9999?url=x">x</a>`,
			untouched: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WrapLinksWithTracking(tt.html, base, id)
			if tt.untouched {
				if got != tt.html {
					t.Errorf("html was modified:\n got %q\nwant %q", got, tt.html)
				}
				return
			}
			if got == tt.html {
				t.Fatalf("html was not rewritten: %q", got)
			}
			if !strings.Contains(got, "/api/track/email/click/"+id+"?url=") {
				t.Errorf("rewritten html missing tracking redirect: %q", got)
			}
		})
	}
}

func TestWrapLinksPreservesSurroundingText(t *testing.T) {
	html := `<p>before</p><a href="https://example.com">go</a><p>after</p>`
	got := WrapLinksWithTracking(html, "https://app.example.com", "msg_1")
	if !strings.HasPrefix(got, "<p>before</p>") || !strings.HasSuffix(got, "<p>after</p>") {
		t.Errorf("non-anchor content changed: %q", got)
	}
}

func TestInjectTrackingPixel(t *testing.T) {
	base := "https://app.example.com"
	id := "msg_abcd"
	pixelURL := base + "/api/track/email/open/" + id

	t.Run("inserted before closing body", func(t *testing.T) {
		html := `<html><body><p>Hello</p></body></html>`
		got := InjectTrackingPixel(html, base, id)
		idx := strings.Index(got, pixelURL)
		bodyIdx := strings.Index(got, "</body>")
		if idx == -1 {
			t.Fatalf("pixel missing: %q", got)
		}
		if idx > bodyIdx {
			t.Errorf("pixel not before </body>: %q", got)
		}
	})

	t.Run("appended without body tag", func(t *testing.T) {
		html := `<p>Hello</p>`
		got := InjectTrackingPixel(html, base, id)
		if !strings.HasPrefix(got, html) {
			t.Errorf("original content changed: %q", got)
		}
		if !strings.Contains(got, pixelURL) {
			t.Errorf("pixel missing: %q", got)
		}
	})

	t.Run("empty html untouched", func(t *testing.T) {
		if got := InjectTrackingPixel("", base, id); got != "" {
			t.Errorf("expected empty output, got %q", got)
		}
	})
}

func TestInjectTrackingAppliesBoth(t *testing.T) {
	html := `<body><a href="https://example.com">go</a></body>`
	got := InjectTracking(html, "https://app.example.com", "msg_ff")
	if !strings.Contains(got, "/api/track/email/click/msg_ff") {
		t.Errorf("links not wrapped: %q", got)
	}
	if !strings.Contains(got, "/api/track/email/open/msg_ff") {
		t.Errorf("pixel not injected: %q", got)
	}
}
