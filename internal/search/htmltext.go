package search

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// ExtractText parses HTML and returns its visible text, whitespace-collapsed
// and truncated to maxLen runes. Script and style contents are skipped.
// Parse failures yield whatever text was collected, possibly empty.
func ExtractText(r io.Reader, maxLen int) string {
	doc, err := html.Parse(r)
	if err != nil {
		return ""
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			text := strings.Join(strings.Fields(n.Data), " ")
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	text := sb.String()
	runes := []rune(text)
	if maxLen > 0 && len(runes) > maxLen {
		return string(runes[:maxLen])
	}
	return text
}
