package resource

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	cases := []struct {
		in   string
		id   string
		isOK bool
	}{
		{"https://www.youtube.com/watch?v=5NgNicANyqM", "5NgNicANyqM", true},
		{"https://www.youtube.com/watch?v=5NgNicANyqM&t=42s", "5NgNicANyqM", true},
		{"https://m.youtube.com/watch?v=abc", "abc", true},
		{"https://youtu.be/5NgNicANyqM?si=x", "5NgNicANyqM", true},
		{"https://www.youtube.com/shorts/Zz9", "Zz9", true},
		{"https://www.youtube.com/watch", "", false},
		{"https://www.youtube.com/feed/subscriptions", "", false},
		{"https://example.com/watch?v=abc", "", false},
		{"not a url", "", false},
	}
	for _, c := range cases {
		id, ok := ParseID(c.in)
		require.Equal(t, c.isOK, ok, c.in)
		require.Equal(t, c.id, id, c.in)
	}
}

func TestNormalize_FillsPlaceholdersAndTruncates(t *testing.T) {
	d := Descriptor{ID: " v1 ", Description: strings.Repeat("é", MaxDescriptionLength+20)}.Normalize()

	require.Equal(t, "v1", d.ID)
	require.Equal(t, PlaceholderTitle, d.Title)
	require.Equal(t, PlaceholderChannel, d.Channel)
	require.Equal(t, MaxDescriptionLength, len([]rune(d.Description)))
}

func TestPlaceholder(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	d := Placeholder("v1", "https://youtu.be/v1", now)
	require.True(t, d.HasIdentity())
	require.Equal(t, now, d.DetectedAt())
	require.False(t, Descriptor{}.HasIdentity())
}
