// Package panel implements the floating side panels plugins attach to the host
// document. A panel slides in from its edge on Show and out on Hide; the
// deferred steps of those transitions are cancellable so the element always
// ends in the state of the last call.
package panel

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/vrsandeep/pplx-kit/internal/dom"
)

type Position string

const (
	PositionLeft  Position = "left"
	PositionRight Position = "right"
)

const (
	DefaultWidth    = 300
	DefaultDuration = 300 * time.Millisecond
	// FrameDelay separates the display change from the slide-in so the
	// transition starts from the off-screen position.
	FrameDelay = 16 * time.Millisecond

	idPrefix = "pplx-panel-"
)

// Config describes a panel. Nil booleans take their defaults.
type Config struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Position    Position   `json:"position"`
	Width       int        `json:"width"`
	Content     string     `json:"content"`
	ContentNode *html.Node `json:"-"`
	Collapsible *bool      `json:"collapsible"`
	Draggable   *bool      `json:"draggable"`
	Resizable   *bool      `json:"resizable"`
}

// Bool returns a pointer to v, for Config fields.
func Bool(v bool) *bool { return &v }

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Factory creates panels bound to one document.
type Factory struct {
	doc      *dom.Document
	sched    Scheduler
	duration time.Duration
}

type FactoryOption func(*Factory)

// WithScheduler replaces the wall-clock scheduler.
func WithScheduler(s Scheduler) FactoryOption {
	return func(f *Factory) { f.sched = s }
}

// WithDuration sets the slide transition duration.
func WithDuration(d time.Duration) FactoryOption {
	return func(f *Factory) {
		if d > 0 {
			f.duration = d
		}
	}
}

func NewFactory(doc *dom.Document, opts ...FactoryOption) *Factory {
	f := &Factory{doc: doc, sched: timeScheduler{}, duration: DefaultDuration}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) Document() *dom.Document { return f.doc }

func (f *Factory) Duration() time.Duration { return f.duration }

// Create builds a hidden, detached panel.
func (f *Factory) Create(cfg Config) *Panel {
	p := &Panel{
		doc:         f.doc,
		sched:       f.sched,
		duration:    f.duration,
		id:          cfg.ID,
		title:       cfg.Title,
		position:    cfg.Position,
		width:       cfg.Width,
		collapsible: boolOr(cfg.Collapsible, true),
		draggable:   boolOr(cfg.Draggable, false),
		resizable:   boolOr(cfg.Resizable, true),
	}
	if p.id == "" {
		p.id = idPrefix + uuid.NewString()[:8]
	}
	if p.position != PositionLeft {
		p.position = PositionRight
	}
	if p.width <= 0 {
		p.width = DefaultWidth
	}
	p.build()

	if cfg.ContentNode != nil {
		p.SetContentNode(cfg.ContentNode)
	} else if cfg.Content != "" {
		p.SetContent(cfg.Content)
	}
	return p
}

// Panel is a floating surface attached to the host document.
type Panel struct {
	mu sync.Mutex

	doc      *dom.Document
	sched    Scheduler
	duration time.Duration

	id          string
	title       string
	position    Position
	width       int
	collapsible bool
	draggable   bool
	resizable   bool

	visible   bool
	collapsed bool
	destroyed bool

	el       *html.Node
	titleEl  *html.Node
	collapse *html.Node
	body     *html.Node
	style    dom.Style

	pending Timer
	gen     uint64
}

func (p *Panel) build() {
	side := string(p.position)
	p.style = dom.Style{
		"position":   "fixed",
		"top":        "0",
		side:         "0",
		"width":      strconv.Itoa(p.width) + "px",
		"height":     "100vh",
		"z-index":    "2147483000",
		"display":    "none",
		"transform":  p.offscreen(),
		"transition": fmt.Sprintf("transform %dms ease", p.duration.Milliseconds()),
	}
	if p.resizable {
		p.style["resize"] = "horizontal"
		p.style["overflow"] = "auto"
	}

	p.el = dom.NewElement("div",
		dom.A("id", p.id),
		dom.A("class", "pplx-panel pplx-panel--"+side),
		dom.A("data-position", side),
		dom.A("data-draggable", strconv.FormatBool(p.draggable)),
		dom.A("data-resizable", strconv.FormatBool(p.resizable)),
		dom.A("style", p.style.String()),
	)

	header := dom.NewElement("div", dom.A("class", "pplx-panel__header"))
	if p.draggable {
		dom.SetAttr(header, "style", "cursor:move;")
	}
	p.titleEl = dom.NewElement("span", dom.A("class", "pplx-panel__title"))
	dom.SetText(p.titleEl, p.title)
	header.AppendChild(p.titleEl)

	if p.collapsible {
		p.collapse = dom.NewElement("button", dom.A("class", "pplx-panel__collapse"), dom.A("type", "button"))
		dom.SetText(p.collapse, "−")
		header.AppendChild(p.collapse)
	}
	closeBtn := dom.NewElement("button", dom.A("class", "pplx-panel__close"), dom.A("type", "button"))
	dom.SetText(closeBtn, "×")
	header.AppendChild(closeBtn)

	p.body = dom.NewElement("div", dom.A("class", "pplx-panel__body"))

	p.el.AppendChild(header)
	p.el.AppendChild(p.body)
	if p.resizable {
		p.el.AppendChild(dom.NewElement("div", dom.A("class", "pplx-panel__resize-handle")))
	}
}

func (p *Panel) offscreen() string {
	if p.position == PositionLeft {
		return "translateX(-100%)"
	}
	return "translateX(100%)"
}

// setStyle applies declarations to the element. Caller holds p.mu.
func (p *Panel) setStyle(decls dom.Style) {
	for k, v := range decls {
		p.style[k] = v
	}
	rendered := p.style.String()
	p.doc.Update(func(*html.Node) {
		dom.SetAttr(p.el, "style", rendered)
	})
}

// cancelPending drops the deferred step of an earlier Show or Hide. Caller
// holds p.mu.
func (p *Panel) cancelPending() {
	p.gen++
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
}

// schedule runs fn after d unless another transition starts first. Caller
// holds p.mu.
func (p *Panel) schedule(d time.Duration, fn func()) {
	gen := p.gen
	p.pending = p.sched.AfterFunc(d, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gen != gen {
			return
		}
		p.pending = nil
		fn()
	})
}

// Show attaches the panel if needed and slides it in.
func (p *Panel) Show() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.visible || p.destroyed {
		return
	}
	p.cancelPending()
	p.visible = true
	p.doc.Append(p.el)
	p.setStyle(dom.Style{"display": "block", "transform": p.offscreen()})
	p.schedule(FrameDelay, func() {
		p.setStyle(dom.Style{"transform": "translateX(0)"})
	})
}

// Hide slides the panel out and then hides it. The element stays attached.
func (p *Panel) Hide() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.visible {
		return
	}
	p.cancelPending()
	p.visible = false
	p.setStyle(dom.Style{"transform": p.offscreen()})
	p.schedule(p.duration, func() {
		p.setStyle(dom.Style{"display": "none"})
	})
}

func (p *Panel) Toggle() {
	if p.IsVisible() {
		p.Hide()
		return
	}
	p.Show()
}

// Destroy hides the panel and detaches it once the transition ends.
func (p *Panel) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.destroyed = true
	p.cancelPending()
	if p.visible {
		p.visible = false
		p.setStyle(dom.Style{"transform": p.offscreen()})
	}
	p.schedule(p.duration, func() {
		p.setStyle(dom.Style{"display": "none"})
		p.doc.Remove(p.el)
	})
}

// SetContent replaces the panel body with an HTML fragment. Content that
// fails to parse is shown as text.
func (p *Panel) SetContent(content string) {
	nodes, err := dom.ParseFragment(content)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.Update(func(*html.Node) {
		if err != nil {
			dom.SetText(p.body, content)
			return
		}
		dom.ReplaceChildren(p.body, nodes...)
	})
}

// SetContentNode replaces the panel body with n.
func (p *Panel) SetContentNode(n *html.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.Update(func(*html.Node) {
		if n == nil {
			dom.RemoveChildren(p.body)
			return
		}
		dom.ReplaceChildren(p.body, n)
	})
}

func (p *Panel) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
	p.doc.Update(func(*html.Node) {
		dom.SetText(p.titleEl, title)
	})
}

// Collapse hides the body of a collapsible panel.
func (p *Panel) Collapse() {
	p.setCollapsed(true)
}

func (p *Panel) Expand() {
	p.setCollapsed(false)
}

func (p *Panel) setCollapsed(collapsed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.collapsible || p.collapsed == collapsed {
		return
	}
	p.collapsed = collapsed
	p.doc.Update(func(*html.Node) {
		if collapsed {
			dom.SetAttr(p.body, "style", "display:none;")
			dom.SetText(p.collapse, "+")
		} else {
			dom.SetAttr(p.body, "style", "")
			dom.SetText(p.collapse, "−")
		}
	})
}

func (p *Panel) IsVisible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

func (p *Panel) IsCollapsed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collapsed
}

func (p *Panel) ID() string { return p.id }

func (p *Panel) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

func (p *Panel) Position() Position { return p.position }

func (p *Panel) Width() int { return p.width }

// Element returns the live root node. Mutate it only inside Document.Update.
func (p *Panel) Element() *html.Node { return p.el }

// Style returns the current value of an inline style property.
func (p *Panel) Style(prop string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.style[prop]
}

// Attached reports whether the element is in the document.
func (p *Panel) Attached() bool {
	return p.doc.Contains(p.el)
}
