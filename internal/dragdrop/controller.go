// Package dragdrop turns pointer events over the tree into drag gestures:
// activation past a distance threshold, hover-to-expand on closed
// directories, edge auto-scroll, and a single move intent on drop.
//
// The controller owns no domain data. It reads and changes selection and
// expansion only through its Host.
package dragdrop

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultActivationDistance = 8.0
	DefaultHoverExpandDelay   = 500 * time.Millisecond
	DefaultScrollBand         = 50.0
	DefaultScrollDivisor      = 5.0
	DefaultScrollInterval     = 16 * time.Millisecond
)

type State int

const (
	Idle State = iota
	Pending
	Dragging
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Dragging:
		return "dragging"
	default:
		return "idle"
	}
}

type Point struct {
	X, Y float64
}

// Pointer is a pointer position plus the tree row under it. OverRow is false
// when the pointer is not over any row; Over is then ignored.
type Pointer struct {
	At      Point
	Over    string
	OverRow bool
}

// Viewport is the vertical extent of the scroll container in pointer
// coordinates.
type Viewport struct {
	Top    float64
	Bottom float64
}

// MoveIntent is emitted once per completed drag.
type MoveIntent struct {
	SourcePaths []string
	TargetPath  string
}

// Host is what the controller needs from the surrounding workspace. Host
// methods are called with the controller lock held and must not call back
// into the controller.
type Host interface {
	// IsDraggable reports whether path names an existing row other than
	// the root.
	IsDraggable(path string) bool
	IsSelected(path string) bool
	SelectOnly(path string)
	SelectedPaths() []string
	IsClosedDirectory(path string) bool
	Expand(path string)
	ScrollBy(delta float64)
	Drop(intent MoveIntent)
}

type Config struct {
	ActivationDistance float64
	HoverExpandDelay   time.Duration
	ScrollBand         float64
	ScrollDivisor      float64
	ScrollInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		ActivationDistance: DefaultActivationDistance,
		HoverExpandDelay:   DefaultHoverExpandDelay,
		ScrollBand:         DefaultScrollBand,
		ScrollDivisor:      DefaultScrollDivisor,
		ScrollInterval:     DefaultScrollInterval,
	}
}

type Controller struct {
	mu        sync.Mutex
	host      Host
	scheduler Scheduler
	cfg       Config

	state    State
	dragged  string
	origin   Point
	viewport Viewport
	closed   bool

	hovered    string
	hoverTimer Timer
	hoverGen   uint64

	scrollSpeed float64
	scrollTimer Timer
	scrollGen   uint64
}

func NewController(host Host, scheduler Scheduler, cfg Config) *Controller {
	if scheduler == nil {
		scheduler = SystemScheduler{}
	}
	def := DefaultConfig()
	if cfg.ActivationDistance <= 0 {
		cfg.ActivationDistance = def.ActivationDistance
	}
	if cfg.HoverExpandDelay <= 0 {
		cfg.HoverExpandDelay = def.HoverExpandDelay
	}
	if cfg.ScrollBand <= 0 {
		cfg.ScrollBand = def.ScrollBand
	}
	if cfg.ScrollDivisor <= 0 {
		cfg.ScrollDivisor = def.ScrollDivisor
	}
	if cfg.ScrollInterval <= 0 {
		cfg.ScrollInterval = def.ScrollInterval
	}
	return &Controller{host: host, scheduler: scheduler, cfg: cfg}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dragged returns the path the current gesture started on.
func (c *Controller) Dragged() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dragged
}

// Scrolling reports whether the auto-scroll interval is running.
func (c *Controller) Scrolling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scrollTimer != nil
}

func (c *Controller) SetViewport(v Viewport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewport = v
}

// PointerDown arms a gesture on a draggable row. Any other path leaves the
// controller idle.
func (c *Controller) PointerDown(path string, at Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.reset()
	if !c.host.IsDraggable(path) {
		return
	}
	c.state = Pending
	c.dragged = path
	c.origin = at
}

func (c *Controller) PointerMove(p Pointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	switch c.state {
	case Pending:
		if math.Hypot(p.At.X-c.origin.X, p.At.Y-c.origin.Y) < c.cfg.ActivationDistance {
			return
		}
		if !c.host.IsDraggable(c.dragged) {
			// The row went away while the gesture was pending.
			c.reset()
			return
		}
		c.state = Dragging
		if !c.host.IsSelected(c.dragged) {
			c.host.SelectOnly(c.dragged)
		}
		c.track(p)
	case Dragging:
		c.track(p)
	}
}

// PointerUp ends the gesture. A drag released over a row other than the
// dragged one emits exactly one MoveIntent; everything else just resets.
func (c *Controller) PointerUp(p Pointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	wasDragging := c.state == Dragging
	dragged := c.dragged
	c.reset()
	if !wasDragging || !p.OverRow || p.Over == dragged {
		return
	}
	c.host.Drop(MoveIntent{
		SourcePaths: c.host.SelectedPaths(),
		TargetPath:  p.Over,
	})
}

// Leave is called when the pointer exits the scroll container. The drag
// stays alive but both timers stop.
func (c *Controller) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopHover()
	c.stopScroll()
}

// Cancel aborts the gesture without emitting anything.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// Close tears the controller down. Later events are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	c.closed = true
}

func (c *Controller) track(p Pointer) {
	if p.OverRow && c.host.IsClosedDirectory(p.Over) {
		if p.Over != c.hovered {
			c.startHover(p.Over)
		}
	} else {
		c.stopHover()
	}
	c.updateScroll(p.At.Y)
}

func (c *Controller) startHover(path string) {
	c.stopHover()
	c.hovered = path
	c.hoverGen++
	gen := c.hoverGen
	c.hoverTimer = c.scheduler.AfterFunc(c.cfg.HoverExpandDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.hoverGen || c.state != Dragging {
			return
		}
		c.hoverTimer = nil
		c.host.Expand(path)
	})
}

func (c *Controller) stopHover() {
	c.hoverGen++
	c.hovered = ""
	if c.hoverTimer != nil {
		c.hoverTimer.Stop()
		c.hoverTimer = nil
	}
}

// scrollSpeedAt is negative near the top edge and positive near the bottom,
// growing as the pointer nears the edge. Zero outside the band.
func (c *Controller) scrollSpeedAt(y float64) float64 {
	band := c.cfg.ScrollBand
	if d := y - c.viewport.Top; d > 0 && d < band {
		return -math.Max(1, (band-d)/c.cfg.ScrollDivisor)
	}
	if d := c.viewport.Bottom - y; d > 0 && d < band {
		return math.Max(1, (band-d)/c.cfg.ScrollDivisor)
	}
	return 0
}

func (c *Controller) updateScroll(y float64) {
	speed := c.scrollSpeedAt(y)
	if speed == 0 {
		c.stopScroll()
		return
	}
	c.scrollSpeed = speed
	if c.scrollTimer != nil {
		return
	}
	c.scrollGen++
	gen := c.scrollGen
	c.scrollTimer = c.scheduler.Every(c.cfg.ScrollInterval, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.scrollGen || c.state != Dragging {
			return
		}
		c.host.ScrollBy(c.scrollSpeed)
	})
}

func (c *Controller) stopScroll() {
	c.scrollGen++
	c.scrollSpeed = 0
	if c.scrollTimer != nil {
		c.scrollTimer.Stop()
		c.scrollTimer = nil
	}
}

func (c *Controller) reset() {
	c.stopHover()
	c.stopScroll()
	c.state = Idle
	c.dragged = ""
	c.origin = Point{}
}
