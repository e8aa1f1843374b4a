package antibot

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page is the parsed view of a response body that markers inspect. It is
// built once per classification and never shared between calls.
type Page struct {
	raw  string
	dom  *goquery.Document
	text *string
}

func newPage(html string) *Page {
	p := &Page{raw: html}
	if strings.TrimSpace(html) == "" {
		return p
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err == nil {
		p.dom = doc
	}
	return p
}

// Title returns the trimmed document title.
func (p *Page) Title() string {
	if p.dom == nil {
		return ""
	}
	return strings.TrimSpace(p.dom.Find("title").First().Text())
}

// VisibleText returns the body text with script, style and template content
// removed and whitespace collapsed.
func (p *Page) VisibleText() string {
	if p.text != nil {
		return *p.text
	}
	text := ""
	if p.dom != nil {
		root := p.dom.Find("body")
		if root.Length() == 0 {
			root = p.dom.Selection
		}
		root = root.Clone()
		root.Find("script, style, noscript, template").Remove()
		text = strings.Join(strings.Fields(root.Text()), " ")
	}
	p.text = &text
	return text
}

func (p *Page) find(selector string) *goquery.Selection {
	if p.dom == nil {
		return nil
	}
	return p.dom.Find(selector)
}

func (p *Page) attrContains(selector, attr, needle string) bool {
	sel := p.find(selector)
	if sel == nil {
		return false
	}
	needle = strings.ToLower(needle)
	found := false
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if v, ok := s.Attr(attr); ok && strings.Contains(strings.ToLower(v), needle) {
			found = true
			return false
		}
		return true
	})
	return found
}

// Marker is a single structural test against a page.
type Marker func(p *Page) bool

// ElementID matches an element with the exact id.
func ElementID(id string) Marker {
	return func(p *Page) bool {
		sel := p.find("[id]")
		if sel == nil {
			return false
		}
		found := false
		sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if v, _ := s.Attr("id"); v == id {
				found = true
				return false
			}
			return true
		})
		return found
	}
}

// Selector matches when the CSS selector finds at least one element.
func Selector(css string) Marker {
	return func(p *Page) bool {
		sel := p.find(css)
		return sel != nil && sel.Length() > 0
	}
}

// ScriptSrc matches a <script src> containing the substring.
func ScriptSrc(substr string) Marker {
	return func(p *Page) bool {
		return p.attrContains("script[src]", "src", substr)
	}
}

// IframeSrc matches an <iframe src> containing the substring.
func IframeSrc(substr string) Marker {
	return func(p *Page) bool {
		return p.attrContains("iframe[src]", "src", substr)
	}
}

// FormAction matches a <form action> containing the substring.
func FormAction(substr string) Marker {
	return func(p *Page) bool {
		return p.attrContains("form[action]", "action", substr)
	}
}

// LinkHref matches an <a href> containing the substring.
func LinkHref(substr string) Marker {
	return func(p *Page) bool {
		return p.attrContains("a[href]", "href", substr)
	}
}

// InlineScript matches an inline <script> body containing the token.
func InlineScript(token string) Marker {
	return func(p *Page) bool {
		sel := p.find("script:not([src])")
		if sel == nil {
			return false
		}
		found := false
		sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if strings.Contains(s.Text(), token) {
				found = true
				return false
			}
			return true
		})
		return found
	}
}

// Title matches the document title exactly, ignoring case.
func Title(want string) Marker {
	return func(p *Page) bool {
		return strings.EqualFold(p.Title(), want)
	}
}

// TitleContains matches a title containing the substring, ignoring case.
func TitleContains(substr string) Marker {
	return func(p *Page) bool {
		return strings.Contains(strings.ToLower(p.Title()), strings.ToLower(substr))
	}
}

// ErrorToken matches a vendor error/reference token in the decoded text or
// raw markup. Patterns must be specific enough never to occur in prose.
func ErrorToken(re *regexp.Regexp) Marker {
	return func(p *Page) bool {
		if re.MatchString(p.raw) {
			return true
		}
		return p.dom != nil && re.MatchString(p.dom.Text())
	}
}

// AllOf matches when every marker matches.
func AllOf(markers ...Marker) Marker {
	return func(p *Page) bool {
		for _, m := range markers {
			if !m(p) {
				return false
			}
		}
		return len(markers) > 0
	}
}

// AnyOf matches when at least one marker matches.
func AnyOf(markers ...Marker) Marker {
	return func(p *Page) bool {
		for _, m := range markers {
			if m(p) {
				return true
			}
		}
		return false
	}
}
