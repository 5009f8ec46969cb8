package dom

import (
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// NewElement creates a detached element.
func NewElement(tag string, attrs ...html.Attribute) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
		Attr:     attrs,
	}
}

// A is a shorthand attribute constructor.
func A(key, val string) html.Attribute {
	return html.Attribute{Key: key, Val: val}
}

// Attr returns the value of an attribute, or "".
func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// SetAttr sets or replaces an attribute.
func SetAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveChildren detaches every child of n.
func RemoveChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; c = n.FirstChild {
		n.RemoveChild(c)
	}
}

// SetText replaces the children of n with a single text node.
func SetText(n *html.Node, text string) {
	RemoveChildren(n)
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

// ReplaceChildren replaces the children of n. Nodes still attached elsewhere
// are moved.
func ReplaceChildren(n *html.Node, children ...*html.Node) {
	RemoveChildren(n)
	for _, c := range children {
		if c.Parent != nil {
			c.Parent.RemoveChild(c)
		}
		n.AppendChild(c)
	}
}

// ParseFragment parses content the way innerHTML assignment does, in the
// context of a <div>.
func ParseFragment(content string) ([]*html.Node, error) {
	context := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	return html.ParseFragment(strings.NewReader(content), context)
}

// Style is an ordered set of inline CSS declarations.
type Style map[string]string

// String renders the declarations sorted by property name so the output is
// stable.
func (s Style) String() string {
	props := make([]string, 0, len(s))
	for p := range s {
		props = append(props, p)
	}
	sort.Strings(props)
	var b strings.Builder
	for i, p := range props {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
		b.WriteByte(':')
		b.WriteString(s[p])
		b.WriteByte(';')
	}
	return b.String()
}

// ParseStyle reads an inline style attribute.
func ParseStyle(attr string) Style {
	s := Style{}
	for _, decl := range strings.Split(attr, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		prop = strings.TrimSpace(prop)
		if prop == "" {
			continue
		}
		s[prop] = strings.TrimSpace(val)
	}
	return s
}
