package pipeline

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/unicode/norm"
)

// DefaultSanitizeMaxChars is the excerpt budget when none is configured.
const DefaultSanitizeMaxChars = 3000

// noiseElements never carry listing content.
var noiseElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Iframe:   true,
	atom.Form:     true,
	atom.Button:   true,
	atom.Svg:      true,
	atom.Template: true,
	atom.Meta:     true,
	atom.Link:     true,
	atom.Object:   true,
	atom.Embed:    true,
}

// noiseMarkers match class or id values of advertising and page chrome.
var noiseMarkers = regexp.MustCompile(`(?i)(^|[\s_-])(ad|ads|advert\w*|banner|sponsor\w*|promo\w*|tracking|cookie\w*|consent|newsletter|social|share|breadcrumbs?|popup|modal|sidebar)($|[\s_-])`)

var (
	inlineSpace = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
)

// SanitizeResult is the outcome of Sanitize. Fallback is set when the markup
// could not be converted and the raw text was truncated instead.
type SanitizeResult struct {
	Text      string
	Fallback  bool
	Truncated bool
}

// Sanitize reduces listing markup to a plain-text excerpt of at most
// maxChars runes. It never fails: unconvertible input degrades to a
// character-count truncation of the raw text. The output depends only on
// the input.
func Sanitize(rawHTML string, maxChars int) SanitizeResult {
	if maxChars <= 0 {
		maxChars = DefaultSanitizeMaxChars
	}

	text, err := listingConverter(rawHTML)
	if err != nil {
		zap.L().Warn("sanitize: falling back to raw truncation", zap.Error(err))
		raw := normalizeText(rawHTML)
		out, cut := hardTruncate(raw, maxChars)
		return SanitizeResult{Text: out, Fallback: true, Truncated: cut}
	}

	out, cut := truncateAtBoundary(normalizeText(text), maxChars)
	return SanitizeResult{Text: out, Truncated: cut}
}

var listingConverter = convertListing

// convertListing strips noise from the DOM, prefers the <main> or <article>
// element when present, and converts what is left to markdown so that spec
// tables survive as rows.
func convertListing(rawHTML string) (string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", err
	}
	stripNoise(doc)

	root := doc
	if main := findFirst(doc, atom.Main, atom.Article); main != nil {
		root = main
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return "", err
	}

	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	return conv.ConvertString(buf.String())
}

func stripNoise(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if isNoise(c) {
			n.RemoveChild(c)
		} else {
			stripNoise(c)
		}
		c = next
	}
}

func isNoise(n *html.Node) bool {
	switch n.Type {
	case html.CommentNode:
		return true
	case html.ElementNode:
	default:
		return false
	}
	if noiseElements[n.DataAtom] {
		return true
	}
	for _, a := range n.Attr {
		if (a.Key == "class" || a.Key == "id") && noiseMarkers.MatchString(a.Val) {
			return true
		}
		if a.Key == "hidden" || (a.Key == "aria-hidden" && a.Val == "true") {
			return true
		}
	}
	return false
}

func findFirst(n *html.Node, atoms ...atom.Atom) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range atoms {
			if n.DataAtom == a {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, atoms...); found != nil {
			return found
		}
	}
	return nil
}

// normalizeText applies NFKC, trims every line and collapses runs of
// blank lines and inline whitespace.
func normalizeText(s string) string {
	s = norm.NFKC.String(strings.ToValidUTF8(s, ""))
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(inlineSpace.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLines.ReplaceAllString(s, "\n\n"))
}

// truncateAtBoundary cuts s to max runes, preferring a paragraph break,
// then a sentence end, then any whitespace, as long as the cut keeps at
// least half of the budget.
func truncateAtBoundary(s string, max int) (string, bool) {
	if utf8.RuneCountInString(s) <= max {
		return s, false
	}
	window := string([]rune(s)[:max])
	floor := len(string([]rune(s)[:max/2]))

	if i := strings.LastIndex(window, "\n\n"); i >= floor {
		return strings.TrimSpace(window[:i]), true
	}
	if i := lastSentenceEnd(window); i >= floor {
		return strings.TrimSpace(window[:i]), true
	}
	if i := strings.LastIndexFunc(window, unicode.IsSpace); i >= floor {
		return strings.TrimSpace(window[:i]), true
	}
	return strings.TrimSpace(window), true
}

// lastSentenceEnd returns the byte offset just past the last sentence
// terminator that is followed by whitespace, or -1.
func lastSentenceEnd(s string) int {
	for i := len(s) - 2; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			if s[i+1] == ' ' || s[i+1] == '\n' {
				return i + 1
			}
		}
	}
	return -1
}

func hardTruncate(s string, max int) (string, bool) {
	r := []rune(s)
	if len(r) <= max {
		return s, false
	}
	return string(r[:max]), true
}
