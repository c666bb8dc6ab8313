// Package parser extracts title, description, text, language and links from
// fetched HTML.
package parser

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/searchcore/internal/crawler"
)

// Default extraction limits.
const (
	DefaultMaxTitleRunes       = 512
	DefaultMaxDescriptionRunes = 1024
	DefaultMaxTextBytes        = 1 << 20
)

// Config bounds the extracted fields.
type Config struct {
	MaxTitleRunes       int
	MaxDescriptionRunes int
	MaxTextBytes        int
}

// Page is the extracted content of one HTML document.
type Page struct {
	Title       string
	Description string
	Text        string
	// Language is the primary subtag from markup or headers, or empty.
	Language string
	// Links are normalized absolute http(s) URLs in first-seen order.
	Links []string
}

// Parser turns response bodies into Pages. It is safe for concurrent use.
type Parser struct {
	cfg Config
}

// New builds a Parser, applying defaults to zero limits.
func New(cfg Config) *Parser {
	if cfg.MaxTitleRunes <= 0 {
		cfg.MaxTitleRunes = DefaultMaxTitleRunes
	}
	if cfg.MaxDescriptionRunes <= 0 {
		cfg.MaxDescriptionRunes = DefaultMaxDescriptionRunes
	}
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = DefaultMaxTextBytes
	}
	return &Parser{cfg: cfg}
}

// Parse decodes body using the Content-Type charset (or <meta charset>
// sniffing) and extracts the page. finalURL is the base for relative links
// unless the document declares <base href>. Malformed markup is tolerated;
// only an undecodable body is an error.
func (p *Parser) Parse(finalURL string, headers http.Header, body []byte) (Page, error) {
	reader, err := charset.NewReader(bytes.NewReader(body), headers.Get("Content-Type"))
	if err != nil {
		return Page{}, crawler.NewFetchError(crawler.ErrDecode, finalURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return Page{}, crawler.NewFetchError(crawler.ErrDecode, finalURL, err)
	}

	page := Page{
		Title:       p.title(doc),
		Description: p.description(doc),
		Text:        p.text(doc),
		Language:    language(doc, headers),
	}
	base, err := url.Parse(finalURL)
	if err != nil {
		return Page{}, fmt.Errorf("parse final url: %w", err)
	}
	page.Links = links(doc, resolveBase(doc, base))
	return page, nil
}

func (p *Parser) title(doc *goquery.Document) string {
	var title string
	doc.Find("title").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		title = collapse(s.Text())
		return title == ""
	})
	return truncateRunes(title, p.cfg.MaxTitleRunes)
}

func (p *Parser) description(doc *goquery.Document) string {
	var desc string
	doc.Find("meta[name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name, _ := s.Attr("name")
		if !strings.EqualFold(strings.TrimSpace(name), "description") {
			return true
		}
		content, _ := s.Attr("content")
		desc = collapse(content)
		return false
	})
	return truncateRunes(desc, p.cfg.MaxDescriptionRunes)
}

var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
}

// text walks the tree in document order, joining text nodes with single
// spaces and stopping once the byte cap is reached.
func (p *Parser) text(doc *goquery.Document) string {
	var b strings.Builder
	full := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if full {
			return
		}
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			for _, word := range strings.Fields(n.Data) {
				need := len(word)
				if b.Len() > 0 {
					need++
				}
				if b.Len()+need > p.cfg.MaxTextBytes {
					rest := p.cfg.MaxTextBytes - b.Len()
					if b.Len() > 0 {
						rest--
					}
					if rest > 0 {
						if b.Len() > 0 {
							b.WriteByte(' ')
						}
						b.WriteString(truncateBytes(word, rest))
					}
					full = true
					return
				}
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(word)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return b.String()
}

func language(doc *goquery.Document, headers http.Header) string {
	if lang, ok := doc.Find("html").First().Attr("lang"); ok {
		if tag := primarySubtag(lang); tag != "" {
			return tag
		}
	}
	if header := headers.Get("Content-Language"); header != "" {
		return primarySubtag(strings.Split(header, ",")[0])
	}
	return ""
}

func primarySubtag(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func resolveBase(doc *goquery.Document, final *url.URL) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok {
		return final
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return final
	}
	return final.ResolveReference(ref)
}

func links(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	out := []string{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if strings.TrimSpace(href) == "" {
			return
		}
		normalized, err := crawler.ResolveURL(base, href)
		if err != nil {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	})
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
