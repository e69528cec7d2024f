// Package resource describes the video a viewing context is currently showing
// and knows how to derive a video's identity from a page location.
package resource

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxDescriptionLength bounds Descriptor.Description, counted in runes.
	MaxDescriptionLength = 500

	PlaceholderTitle   = "Unknown Title"
	PlaceholderChannel = "Unknown Channel"
)

// Descriptor identifies one hosted video. The zero value (empty ID) means
// "no resource".
type Descriptor struct {
	ID           string `json:"videoId"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Channel      string `json:"channel"`
	DetectedAtMs int64  `json:"timestamp"`
}

// HasIdentity reports whether the descriptor names a video.
func (d Descriptor) HasIdentity() bool {
	return strings.TrimSpace(d.ID) != ""
}

// DetectedAt returns DetectedAtMs as a time.Time.
func (d Descriptor) DetectedAt() time.Time {
	if d.DetectedAtMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(d.DetectedAtMs)
}

// Normalize trims every field, truncates the description and fills in the
// title and channel placeholders.
func (d Descriptor) Normalize() Descriptor {
	d.ID = strings.TrimSpace(d.ID)
	d.URL = strings.TrimSpace(d.URL)
	d.Title = strings.TrimSpace(d.Title)
	d.Channel = strings.TrimSpace(d.Channel)
	d.Description = TruncateDescription(strings.TrimSpace(d.Description))
	if d.Title == "" {
		d.Title = PlaceholderTitle
	}
	if d.Channel == "" {
		d.Channel = PlaceholderChannel
	}
	return d
}

// Placeholder builds a descriptor carrying only identity and location.
func Placeholder(id, location string, now time.Time) Descriptor {
	return Descriptor{
		ID:           id,
		URL:          location,
		Title:        PlaceholderTitle,
		Channel:      PlaceholderChannel,
		DetectedAtMs: now.UnixMilli(),
	}
}

// TruncateDescription cuts s to MaxDescriptionLength runes.
func TruncateDescription(s string) string {
	if utf8.RuneCountInString(s) <= MaxDescriptionLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxDescriptionLength])
}

var watchHosts = map[string]struct{}{
	"youtube.com":       {},
	"www.youtube.com":   {},
	"m.youtube.com":     {},
	"music.youtube.com": {},
}

// ParseID extracts the video id from a page location. It understands
// /watch?v=<id>, /shorts/<id>, /live/<id> and youtu.be/<id>.
func ParseID(location string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(location))
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())

	if host == "youtu.be" {
		id := strings.Trim(u.Path, "/")
		if i := strings.Index(id, "/"); i >= 0 {
			id = id[:i]
		}
		return id, id != ""
	}

	if _, ok := watchHosts[host]; !ok {
		return "", false
	}

	switch {
	case u.Path == "/watch" || u.Path == "/watch/":
		id := strings.TrimSpace(u.Query().Get("v"))
		return id, id != ""
	case strings.HasPrefix(u.Path, "/shorts/"), strings.HasPrefix(u.Path, "/live/"):
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) >= 2 && parts[1] != "" {
			return parts[1], true
		}
	}
	return "", false
}

// IsWatchURL reports whether location points at a single video page.
func IsWatchURL(location string) bool {
	_, ok := ParseID(location)
	return ok
}
