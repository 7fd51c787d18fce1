package collyfetcher

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const maxContextRunes = 300

// blockSelector picks the nearest enclosing element whose text is used as a
// link's surrounding context.
const blockSelector = "p, li, td, dd, blockquote, h1, h2, h3, h4, h5, h6, figcaption, article, section, div"

// Page is the readable content of an HTML document.
type Page struct {
	Title string
	Text  string
	Links []crawler.Link
}

// Extract parses body and returns its visible text and outbound links. Links
// keep their raw href; resolution against baseURL is left to the caller, but
// a <base href> is applied when present.
func Extract(baseURL string, body []byte) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template, svg").Remove()

	pageNoFollow := false
	doc.Find(`meta[name]`).Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		if !strings.EqualFold(name, "robots") {
			return
		}
		content, _ := s.Attr("content")
		if hasToken(content, "nofollow") || hasToken(content, "none") {
			pageNoFollow = true
		}
	})

	base := baseURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok && href != "" {
		if resolved, err := crawler.ResolveLink(baseURL, href); err == nil {
			base = resolved
		}
	}

	page := Page{
		Title: collapse(doc.Find("title").First().Text()),
		Text:  collapse(doc.Find("body").Text()),
	}
	if page.Text == "" {
		page.Text = collapse(doc.Text())
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		if base != baseURL {
			if abs, err := crawler.ResolveLink(base, href); err == nil {
				href = abs
			}
		}
		rel, _ := s.Attr("rel")
		page.Links = append(page.Links, crawler.Link{
			URL:      href,
			Anchor:   collapse(s.Text()),
			Context:  linkContext(s),
			NoFollow: pageNoFollow || hasToken(rel, "nofollow"),
		})
	})
	return page, nil
}

func linkContext(s *goquery.Selection) string {
	block := s.Closest(blockSelector)
	if block.Length() == 0 {
		return ""
	}
	return truncate(collapse(block.Text()), maxContextRunes)
}

func hasToken(list, token string) bool {
	for _, f := range strings.FieldsFunc(strings.ToLower(list), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	}) {
		if f == token {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
