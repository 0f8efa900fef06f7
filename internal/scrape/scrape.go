// Package scrape holds the HTTP fetch and DOM helpers shared by the
// holiday and film sources.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// UserAgent is a browser-like agent; both upstream sites reject bare clients.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const maxBody = 8 << 20

// StatusError is a non-2xx upstream response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("GET %s: status %d", e.URL, e.Code) }

type Client struct {
	HTTP *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{HTTP: &http.Client{Timeout: timeout}}
}

// Fetch GETs rawURL and returns the body.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}

// Document fetches and parses rawURL.
func (c *Client) Document(ctx context.Context, rawURL string) (*html.Node, error) {
	b, err := c.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return html.Parse(strings.NewReader(string(b)))
}

// Match reports whether a node satisfies a selector step.
type Match func(n *html.Node) bool

// Tag matches an element by tag and, optionally, all of the given classes.
func Tag(a atom.Atom, classes ...string) Match {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode || (a != 0 && n.DataAtom != a) {
			return false
		}
		return HasClass(n, classes...)
	}
}

// Class matches any element carrying all classes.
func Class(classes ...string) Match { return Tag(0, classes...) }

// AttrEq matches elements with attribute key equal to val.
func AttrEq(a atom.Atom, key, val string) Match {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && (a == 0 || n.DataAtom == a) && Attr(n, key) == val
	}
}

func Attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func HasClass(n *html.Node, classes ...string) bool {
	if len(classes) == 0 {
		return true
	}
	have := strings.Fields(Attr(n, "class"))
	for _, want := range classes {
		found := false
		for _, c := range have {
			if c == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FindAll returns descendants of root matching m, in document order.
func FindAll(root *html.Node, m Match) []*html.Node {
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if m(c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}
	return out
}

// First returns the first descendant matching m, or nil.
func First(root *html.Node, m Match) *html.Node {
	if root == nil {
		return nil
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if m(c) {
			return c
		}
		if f := First(c, m); f != nil {
			return f
		}
	}
	return nil
}

// Select walks a descendant chain: each step is searched inside the
// previous step's matches. It returns all nodes matching the last step.
func Select(root *html.Node, steps ...Match) []*html.Node {
	cur := []*html.Node{root}
	for _, step := range steps {
		var next []*html.Node
		seen := map[*html.Node]bool{}
		for _, n := range cur {
			for _, m := range FindAll(n, step) {
				if !seen[m] {
					seen[m] = true
					next = append(next, m)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		cur = next
	}
	return cur
}

// SelectFirst is Select returning only the first match.
func SelectFirst(root *html.Node, steps ...Match) *html.Node {
	if all := Select(root, steps...); len(all) > 0 {
		return all[0]
	}
	return nil
}

// After returns the first node after n in document order (excluding n's
// descendants) that matches m.
func After(n *html.Node, m Match) *html.Node {
	for cur := n; cur != nil; cur = cur.Parent {
		for s := cur.NextSibling; s != nil; s = s.NextSibling {
			if m(s) {
				return s
			}
			if f := First(s, m); f != nil {
				return f
			}
		}
	}
	return nil
}

// Text returns the node's text content with whitespace collapsed.
func Text(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// Resolve makes href absolute against base. Empty input returns "".
func Resolve(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	u, err := b.Parse(href)
	if err != nil {
		return href
	}
	return u.String()
}
