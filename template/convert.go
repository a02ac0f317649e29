package template

import (
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

// converter reduces HTML template bodies to markdown so prompt
// injection carries prose, not markup.
type converter struct {
	md *md.Converter
}

func newConverter() *converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return &converter{md: c}
}

// convert extracts the readable portion of an HTML document and turns
// it into markdown. Falls back to converting the whole document when
// readability extraction fails.
func (c *converter) convert(body []byte) (title, markdown string, err error) {
	content := string(body)

	article, rerr := readability.FromReader(strings.NewReader(content), nil)
	if rerr == nil && article.Content != "" {
		title = article.Title
		content = article.Content
	} else {
		title = htmlTitle(body)
	}

	markdown, err = c.md.ConvertString(content)
	if err != nil {
		return "", "", fmt.Errorf("convert template html: %w", err)
	}

	markdown = excessiveLinesRe.ReplaceAllString(markdown, "\n\n")
	return title, strings.TrimSpace(markdown), nil
}

// htmlTitle pulls the <title> text out of a document, or "".
func htmlTitle(body []byte) string {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}
