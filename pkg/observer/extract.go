package observer

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
)

// Selectors lists CSS selectors per field, highest priority first.
type Selectors struct {
	Title       []string `koanf:"title" yaml:"title"`
	Description []string `koanf:"description" yaml:"description"`
	Channel     []string `koanf:"channel" yaml:"channel"`
}

// DefaultSelectors match the rendered watch page first, then the metadata a
// server-rendered page carries.
func DefaultSelectors() Selectors {
	return Selectors{
		Title: []string{
			"h1.ytd-watch-metadata yt-formatted-string",
			"h1.title.style-scope.ytd-video-primary-info-renderer",
			`h1 yt-formatted-string[class*="title"]`,
			`meta[property="og:title"]`,
			`meta[name="title"]`,
			"title",
		},
		Description: []string{
			"#description-text",
			"yt-formatted-string#content.ytd-video-secondary-info-renderer",
			`meta[property="og:description"]`,
			`meta[name="description"]`,
		},
		Channel: []string{
			"#channel-name a",
			"ytd-channel-name a",
			".ytd-channel-name a",
			`span[itemprop="author"] link[itemprop="name"]`,
			`link[itemprop="name"]`,
		},
	}
}

func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	if len(s.Title) == 0 {
		s.Title = d.Title
	}
	if len(s.Description) == 0 {
		s.Description = d.Description
	}
	if len(s.Channel) == 0 {
		s.Channel = d.Channel
	}
	return s
}

// Fields holds what Extract found. Empty strings mean no selector matched.
type Fields struct {
	Title       string
	Description string
	Channel     string
}

// Extract runs the selectors against an HTML document.
func Extract(html []byte, sel Selectors) (Fields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Fields{}, errors.Wrap(err, "extract: parse html")
	}
	sel = sel.withDefaults()
	f := Fields{
		Title:       firstMatch(doc, sel.Title),
		Description: firstMatch(doc, sel.Description),
		Channel:     firstMatch(doc, sel.Channel),
	}
	f.Title = strings.TrimSuffix(f.Title, " - YouTube")
	return f, nil
}

func firstMatch(doc *goquery.Document, selectors []string) string {
	for _, s := range selectors {
		var found string
		doc.Find(s).EachWithBreak(func(_ int, node *goquery.Selection) bool {
			found = strings.TrimSpace(nodeValue(node))
			return found == ""
		})
		if found != "" {
			return found
		}
	}
	return ""
}

// nodeValue reads the content attribute of meta and link tags and the text
// of everything else.
func nodeValue(node *goquery.Selection) string {
	switch goquery.NodeName(node) {
	case "meta", "link":
		v, _ := node.Attr("content")
		return v
	default:
		return node.Text()
	}
}
