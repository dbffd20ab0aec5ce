package utils

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	openTrackPath  = "/api/track/email/open/"
	clickTrackPath = "/api/track/email/click/"
)

var anchorHrefRe = regexp.MustCompile(`(?i)<a\s+([^>]*\s+)?href="([^"]+)"([^>]*)>`)

// GenerateMessageID mints a caller-opaque message token embedded in outbound
// mail and tracking URLs.
func GenerateMessageID() string {
	id := uuid.New()
	return "msg_" + hex.EncodeToString(id[:])
}

// OpenTrackingURL returns the pixel endpoint for a message.
func OpenTrackingURL(baseURL, messageID string) string {
	return strings.TrimRight(baseURL, "/") + openTrackPath + messageID
}

// ClickTrackingURL returns the redirect endpoint for a message, carrying the
// original destination as a recoverable query parameter.
func ClickTrackingURL(baseURL, messageID, originalURL string) string {
	return fmt.Sprintf("%s%s%s?url=%s",
		strings.TrimRight(baseURL, "/"), clickTrackPath, messageID, url.QueryEscape(originalURL))
}

// WrapLinksWithTracking rewrites every anchor href to the click-tracking
// redirect. Hrefs that are already tracking links, in-page anchors,
// javascript: URIs, or mailto: URIs are left untouched.
func WrapLinksWithTracking(html, baseURL, messageID string) string {
	if html == "" || messageID == "" {
		return html
	}

	return anchorHrefRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := anchorHrefRe.FindStringSubmatch(match)
		href := parts[2]

		if strings.Contains(href, clickTrackPath) {
			return match
		}
		if strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "mailto:") {
			return match
		}

		tracked := ClickTrackingURL(baseURL, messageID, href)
		return fmt.Sprintf(`<a %shref="%s"%s>`, parts[1], tracked, parts[3])
	})
}

// InjectTrackingPixel inserts a 1x1 invisible beacon image immediately before
// the closing body tag, or appends it when no body tag exists.
func InjectTrackingPixel(html, baseURL, messageID string) string {
	if html == "" || messageID == "" {
		return html
	}

	pixel := fmt.Sprintf(
		`<img src="%s" width="1" height="1" style="display:none;opacity:0;visibility:hidden;" alt="" />`,
		OpenTrackingURL(baseURL, messageID))

	if strings.Contains(html, "</body>") {
		return strings.Replace(html, "</body>", pixel+"</body>", 1)
	}
	return html + pixel
}

// InjectTracking applies both rewrites to outbound HTML.
func InjectTracking(html, baseURL, messageID string) string {
	if html == "" {
		return html
	}
	tracked := WrapLinksWithTracking(html, baseURL, messageID)
	return InjectTrackingPixel(tracked, baseURL, messageID)
}
