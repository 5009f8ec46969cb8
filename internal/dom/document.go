// Package dom holds the host page the panels are attached to. The tree is a
// golang.org/x/net/html node tree guarded by a single lock; every mutation goes
// through Update so readers (rendering, queries) always see a consistent tree.
package dom

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const blankPage = "<!DOCTYPE html><html><head></head><body></body></html>"

// Document is the shared UI tree.
type Document struct {
	mu   sync.RWMutex
	root *html.Node
	body *html.Node
}

// Element is a detached snapshot of a node returned by queries.
type Element struct {
	Tag   string            `json:"tag"`
	ID    string            `json:"id,omitempty"`
	Text  string            `json:"text"`
	HTML  string            `json:"html"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// New returns an empty page.
func New() *Document {
	doc, err := Parse(strings.NewReader(blankPage))
	if err != nil {
		// The blank page is a constant and always parses.
		panic(err)
	}
	return doc
}

// Parse builds a document from an HTML page.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	body := findFirst(root, atom.Body)
	if body == nil {
		// html.Parse always synthesises a body, but be strict about it.
		return nil, fmt.Errorf("document has no body")
	}
	return &Document{root: root, body: body}, nil
}

// Update runs fn with exclusive access to the tree.
func (d *Document) Update(fn func(body *html.Node)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.body)
}

// View runs fn with shared access to the tree. fn must not mutate it.
func (d *Document) View(fn func(root *html.Node)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn(d.root)
}

// Append attaches n as the last child of body. It reports false when n is
// already attached somewhere.
func (d *Document) Append(n *html.Node) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n.Parent != nil {
		return false
	}
	d.body.AppendChild(n)
	return true
}

// Remove detaches n from its parent. It reports false when n was detached.
func (d *Document) Remove(n *html.Node) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n.Parent == nil {
		return false
	}
	n.Parent.RemoveChild(n)
	return true
}

// Contains reports whether n is part of this document's tree.
func (d *Document) Contains(n *html.Node) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// ByID returns a snapshot of the element with the given id.
func (d *Document) ByID(id string) (Element, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var found *html.Node
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && Attr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	if found == nil {
		return Element{}, false
	}
	return snapshot(found), true
}

// Render serialises the whole page.
func (d *Document) Render() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Find returns snapshots of the elements matching a CSS selector.
func (d *Document) Find(selector string) []Element {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sel := goquery.NewDocumentFromNode(d.root).Find(selector)
	out := make([]Element, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, snapshot(s.Get(0)))
	})
	return out
}

// FindFirst returns the first match of selector.
func (d *Document) FindFirst(selector string) (Element, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sel := goquery.NewDocumentFromNode(d.root).Find(selector).First()
	if sel.Length() == 0 {
		return Element{}, false
	}
	return snapshot(sel.Get(0)), true
}

func snapshot(n *html.Node) Element {
	s := goquery.NewDocumentFromNode(n).Selection
	inner, _ := s.Html()
	el := Element{
		Tag:  n.Data,
		ID:   Attr(n, "id"),
		Text: s.Text(),
		HTML: inner,
	}
	if len(n.Attr) > 0 {
		el.Attrs = make(map[string]string, len(n.Attr))
		for _, a := range n.Attr {
			el.Attrs[a.Key] = a.Val
		}
	}
	return el
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && c.DataAtom == a {
			found = c
			return false
		}
		return true
	})
	return found
}

// walk visits n and its descendants depth-first until visit returns false.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if !visit(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, visit) {
			return false
		}
	}
	return true
}
