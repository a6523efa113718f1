// Package listing finds the download links of monthly archives on the
// publisher's report listing page.
package listing

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/gridfeed/cammesa/internal/period"
	"golang.org/x/net/html"
)

// DownloadURLAttr is the anchor attribute holding the machine-readable download URL.
const DownloadURLAttr = "data-downloadurl"

// Locator matches listing links to pending periods.
type Locator struct {
	// LinkClass is the CSS class every download anchor carries.
	LinkClass string
	// ArchiveToken must appear in a URL for it to be a monthly archive; it
	// separates the per-month base archives from the standalone reports.
	ArchiveToken string
	// Aliases maps a period label to the token its archive is published under,
	// for periods the publisher mislabeled.
	Aliases map[string]string
	// Base resolves relative download URLs. Nil leaves them as found.
	Base *url.URL
}

// Token returns the string a download URL must contain to belong to p.
func (l Locator) Token(p period.Month) string {
	if alias, ok := l.Aliases[p.String()]; ok {
		return alias
	}
	return p.String()
}

// Parse reads a listing page and returns its document tree.
func Parse(r io.Reader) (*html.Node, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	return doc, nil
}

// Locate maps each pending period to the download URL that carries both the
// archive token and the period's token. When several links match, the last one
// in document order wins. Periods without a match are absent from the result:
// their archive is not published yet.
func (l Locator) Locate(doc *html.Node, pending []period.Month) map[period.Month]string {
	found := make(map[period.Month]string)
	for _, link := range DownloadLinks(doc, l.LinkClass) {
		if l.ArchiveToken != "" && !strings.Contains(link, l.ArchiveToken) {
			continue
		}
		for _, p := range pending {
			if strings.Contains(link, l.Token(p)) {
				found[p] = l.resolve(link)
			}
		}
	}
	return found
}

func (l Locator) resolve(link string) string {
	if l.Base == nil {
		return link
	}
	ref, err := url.Parse(link)
	if err != nil {
		return link
	}
	return l.Base.ResolveReference(ref).String()
}

// DownloadLinks returns the download URL attribute of every anchor whose class
// list contains class, in document order.
func DownloadLinks(n *html.Node, class string) []string {
	var out []string
	var walk func(*html.Node)

	walk = func(nd *html.Node) {
		if nd.Type == html.ElementNode && nd.Data == "a" && hasClass(nd, class) {
			if v, ok := attr(nd, DownloadURLAttr); ok && strings.TrimSpace(v) != "" {
				out = append(out, strings.TrimSpace(v))
			}
		}
		for c := nd.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(n)
	return out
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasClass(n *html.Node, class string) bool {
	v, ok := attr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}
