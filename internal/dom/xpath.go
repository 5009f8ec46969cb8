package dom

import (
	"fmt"

	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

// XPath evaluates expr against the document and returns the matching elements.
func (d *Document) XPath(expr string) ([]Element, error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile XPath expression '%s': %w", expr, err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	iter := compiled.Select(newNavigator(d.root))
	var out []Element
	for iter.MoveNext() {
		nav, ok := iter.Current().(*htmlNavigator)
		if !ok || nav.node.Type != html.ElementNode || nav.pos > 0 {
			continue
		}
		out = append(out, snapshot(nav.node))
	}
	return out, nil
}

// htmlNavigator implements xpath.NodeNavigator for HTML nodes.
type htmlNavigator struct {
	node *html.Node
	pos  int
}

func newNavigator(root *html.Node) *htmlNavigator {
	return &htmlNavigator{node: root}
}

func (h *htmlNavigator) NodeType() xpath.NodeType {
	switch h.node.Type {
	case html.DocumentNode:
		return xpath.RootNode
	case html.ElementNode:
		// pos > 0 means we're iterating attributes
		if h.pos > 0 && h.pos <= len(h.node.Attr) {
			return xpath.AttributeNode
		}
		return xpath.ElementNode
	case html.TextNode:
		return xpath.TextNode
	case html.CommentNode:
		return xpath.CommentNode
	default:
		return xpath.ElementNode
	}
}

func (h *htmlNavigator) LocalName() string {
	if h.node.Type == html.ElementNode {
		if h.pos > 0 && h.pos <= len(h.node.Attr) {
			return h.node.Attr[h.pos-1].Key
		}
		return h.node.Data
	}
	return ""
}

func (h *htmlNavigator) Prefix() string {
	return ""
}

func (h *htmlNavigator) Value() string {
	switch h.node.Type {
	case html.TextNode, html.CommentNode:
		return h.node.Data
	case html.ElementNode:
		if h.pos > 0 && h.pos <= len(h.node.Attr) {
			return h.node.Attr[h.pos-1].Val
		}
		return textOf(h.node)
	}
	return ""
}

func (h *htmlNavigator) Copy() xpath.NodeNavigator {
	return &htmlNavigator{node: h.node, pos: h.pos}
}

func (h *htmlNavigator) MoveToRoot() {
	for h.node.Parent != nil {
		h.node = h.node.Parent
	}
	h.pos = 0
}

func (h *htmlNavigator) MoveToParent() bool {
	if h.pos > 0 {
		h.pos = 0
		return true
	}
	if h.node.Parent != nil {
		h.node = h.node.Parent
		return true
	}
	return false
}

func (h *htmlNavigator) MoveToNextAttribute() bool {
	if h.node.Type == html.ElementNode && h.pos < len(h.node.Attr) {
		h.pos++
		return true
	}
	return false
}

func (h *htmlNavigator) MoveToChild() bool {
	if h.pos > 0 {
		return false
	}
	if h.node.FirstChild != nil {
		h.node = h.node.FirstChild
		return true
	}
	return false
}

func (h *htmlNavigator) MoveToFirst() bool {
	if h.pos > 0 {
		return false
	}
	if h.node.Parent != nil && h.node.Parent.FirstChild != nil {
		h.node = h.node.Parent.FirstChild
		return true
	}
	return false
}

func (h *htmlNavigator) String() string {
	return h.Value()
}

func (h *htmlNavigator) MoveToNext() bool {
	if h.pos > 0 {
		return false
	}
	if h.node.NextSibling != nil {
		h.node = h.node.NextSibling
		return true
	}
	return false
}

func (h *htmlNavigator) MoveToPrevious() bool {
	if h.pos > 0 {
		return false
	}
	if h.node.PrevSibling != nil {
		h.node = h.node.PrevSibling
		return true
	}
	return false
}

func (h *htmlNavigator) MoveTo(other xpath.NodeNavigator) bool {
	if o, ok := other.(*htmlNavigator); ok {
		h.node = o.node
		h.pos = o.pos
		return true
	}
	return false
}

func textOf(n *html.Node) string {
	var out []byte
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			out = append(out, c.Data...)
		}
		return true
	})
	return string(out)
}
