package netfs

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ParseListing extracts the immediate children of baseURL from an HTML
// directory index. Directory names keep their trailing slash. Sorting links,
// parent links and links leaving the directory are skipped.
func ParseListing(body []byte, baseURL string) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}

	var entries []string
	seen := make(map[string]struct{})
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if name, ok := anchorEntry(n, base); ok {
				if _, dup := seen[name]; !dup {
					seen[name] = struct{}{}
					entries = append(entries, name)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return entries, nil
}

func anchorEntry(n *html.Node, base *url.URL) (string, bool) {
	var href string
	for _, attr := range n.Attr {
		if attr.Key == "href" {
			href = strings.TrimSpace(attr.Val)
			break
		}
	}
	if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil || ref.RawQuery != "" {
		return "", false
	}
	target := base.ResolveReference(ref)
	if target.Host != base.Host {
		return "", false
	}
	name, ok := strings.CutPrefix(target.Path, base.Path)
	if !ok || name == "" {
		return "", false
	}
	// Only direct children: "a" or "a/".
	if i := strings.IndexByte(name, '/'); i >= 0 && i != len(name)-1 {
		return "", false
	}
	if name == "/" {
		return "", false
	}
	return name, true
}
