package dragdrop

import (
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Duration
	every   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.stopped = true
}

type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return s.add(d, 0, fn)
}

func (s *fakeScheduler) Every(d time.Duration, fn func()) Timer {
	return s.add(d, d, fn)
}

func (s *fakeScheduler) add(d, every time.Duration, fn func()) *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, at: s.now + d, every: every, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves the clock forward, firing due callbacks in time order.
func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()
	for {
		s.mu.Lock()
		var due []*fakeTimer
		for _, t := range s.timers {
			if !t.stopped && t.at <= target {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			s.now = target
			s.mu.Unlock()
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
		next := due[0]
		s.now = next.at
		if next.every > 0 {
			next.at += next.every
		} else {
			next.stopped = true
		}
		fn := next.fn
		s.mu.Unlock()
		fn()
	}
}

type fakeHost struct {
	missing  map[string]bool
	selected map[string]bool
	closed   map[string]bool
	expanded []string
	scrolled []float64
	drops    []MoveIntent
}

func newFakeHost() *fakeHost {
	return &fakeHost{missing: map[string]bool{}, selected: map[string]bool{}, closed: map[string]bool{}}
}

func (h *fakeHost) IsDraggable(path string) bool { return path != "" && !h.missing[path] }

func (h *fakeHost) IsSelected(path string) bool { return h.selected[path] }

func (h *fakeHost) SelectOnly(path string) {
	h.selected = map[string]bool{path: true}
}

func (h *fakeHost) SelectedPaths() []string {
	out := make([]string, 0, len(h.selected))
	for p := range h.selected {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (h *fakeHost) IsClosedDirectory(path string) bool { return h.closed[path] }

func (h *fakeHost) Expand(path string) {
	h.expanded = append(h.expanded, path)
	delete(h.closed, path)
}

func (h *fakeHost) ScrollBy(delta float64) { h.scrolled = append(h.scrolled, delta) }

func (h *fakeHost) Drop(intent MoveIntent) { h.drops = append(h.drops, intent) }

func newTestController(host *fakeHost) (*Controller, *fakeScheduler) {
	sched := &fakeScheduler{}
	c := NewController(host, sched, DefaultConfig())
	c.SetViewport(Viewport{Top: 0, Bottom: 600})
	return c, sched
}

func over(path string, y float64) Pointer {
	return Pointer{At: Point{X: 20, Y: y}, Over: path, OverRow: true}
}

func startDrag(c *Controller, path string) {
	c.PointerDown(path, Point{X: 20, Y: 300})
	c.PointerMove(Pointer{At: Point{X: 20, Y: 320}})
}

func TestSmallMovementDoesNotStartDrag(t *testing.T) {
	host := newFakeHost()
	c, _ := newTestController(host)

	c.PointerDown("a.md", Point{X: 10, Y: 300})
	c.PointerMove(Pointer{At: Point{X: 13, Y: 304}})
	if c.State() != Pending {
		t.Fatalf("state = %v, want pending", c.State())
	}
	c.PointerUp(over("b", 304))
	if c.State() != Idle {
		t.Fatalf("state = %v, want idle", c.State())
	}
	if len(host.drops) != 0 {
		t.Fatalf("a click must not emit a move: %+v", host.drops)
	}
}

func TestUndraggableRowsNeverArm(t *testing.T) {
	for _, path := range []string{"", "no/such.md"} {
		host := newFakeHost()
		host.missing["no/such.md"] = true
		host.selected = map[string]bool{"x.md": true}
		c, _ := newTestController(host)

		c.PointerDown(path, Point{X: 20, Y: 300})
		if c.State() != Idle {
			t.Fatalf("PointerDown(%q): state = %v, want idle", path, c.State())
		}
		c.PointerMove(Pointer{At: Point{X: 48, Y: 300}})
		c.PointerUp(over("docs", 300))
		if c.State() != Idle || c.Dragged() != "" {
			t.Fatalf("%q: state = %v dragged = %q", path, c.State(), c.Dragged())
		}
		if got := host.SelectedPaths(); len(got) != 1 || got[0] != "x.md" {
			t.Fatalf("%q: selection changed to %v", path, got)
		}
		if len(host.drops) != 0 {
			t.Fatalf("%q: unexpected drop %+v", path, host.drops)
		}
	}
}

func TestRowRemovedWhilePendingDoesNotActivate(t *testing.T) {
	host := newFakeHost()
	c, _ := newTestController(host)

	c.PointerDown("a.md", Point{X: 20, Y: 300})
	host.missing["a.md"] = true
	c.PointerMove(Pointer{At: Point{X: 20, Y: 328}})
	if c.State() != Idle {
		t.Fatalf("state = %v, want idle", c.State())
	}
	if len(host.selected) != 0 {
		t.Fatalf("selection = %v", host.SelectedPaths())
	}
}

func TestDraggingUnselectedItemSelectsIt(t *testing.T) {
	host := newFakeHost()
	host.selected = map[string]bool{"x.md": true, "y.md": true}
	c, _ := newTestController(host)

	startDrag(c, "z.md")
	if c.State() != Dragging {
		t.Fatalf("state = %v, want dragging", c.State())
	}
	if got := host.SelectedPaths(); len(got) != 1 || got[0] != "z.md" {
		t.Fatalf("selection = %v", got)
	}
}

func TestDraggingSelectedItemKeepsSelection(t *testing.T) {
	host := newFakeHost()
	host.selected = map[string]bool{"x.md": true, "y.md": true}
	c, _ := newTestController(host)

	startDrag(c, "x.md")
	c.PointerUp(over("docs", 320))

	if len(host.drops) != 1 {
		t.Fatalf("expected one drop, got %d", len(host.drops))
	}
	intent := host.drops[0]
	if intent.TargetPath != "docs" || len(intent.SourcePaths) != 2 {
		t.Fatalf("intent = %+v", intent)
	}
	if c.State() != Idle {
		t.Fatalf("state = %v after drop", c.State())
	}
}

func TestDropOnSelfOrNothingEmitsNothing(t *testing.T) {
	host := newFakeHost()
	c, _ := newTestController(host)

	startDrag(c, "a")
	c.PointerUp(over("a", 320))
	startDrag(c, "a")
	c.PointerUp(Pointer{At: Point{X: 20, Y: 320}})

	if len(host.drops) != 0 {
		t.Fatalf("unexpected drops: %+v", host.drops)
	}
}

func TestDropOnRootRowEmitsEmptyTarget(t *testing.T) {
	host := newFakeHost()
	c, _ := newTestController(host)

	startDrag(c, "docs/a.md")
	c.PointerUp(over("", 320))
	if len(host.drops) != 1 || host.drops[0].TargetPath != "" {
		t.Fatalf("drops = %+v", host.drops)
	}
}

func TestHoverExpandsClosedDirectoryAfterDelay(t *testing.T) {
	host := newFakeHost()
	host.closed["docs"] = true
	c, sched := newTestController(host)

	startDrag(c, "a.md")
	c.PointerMove(over("docs", 320))
	sched.Advance(DefaultHoverExpandDelay - time.Millisecond)
	if len(host.expanded) != 0 {
		t.Fatalf("expanded too early: %v", host.expanded)
	}

	// Moving within the same row must not restart the timer.
	c.PointerMove(over("docs", 322))
	sched.Advance(time.Millisecond)
	if len(host.expanded) != 1 || host.expanded[0] != "docs" {
		t.Fatalf("expanded = %v", host.expanded)
	}
}

func TestHoverTimerRestartsWhenHoveredNodeChanges(t *testing.T) {
	host := newFakeHost()
	host.closed["one"] = true
	host.closed["two"] = true
	c, sched := newTestController(host)

	startDrag(c, "a.md")
	c.PointerMove(over("one", 320))
	sched.Advance(400 * time.Millisecond)
	c.PointerMove(over("two", 340))
	sched.Advance(400 * time.Millisecond)
	if len(host.expanded) != 0 {
		t.Fatalf("nothing should expand yet: %v", host.expanded)
	}
	sched.Advance(100 * time.Millisecond)
	if len(host.expanded) != 1 || host.expanded[0] != "two" {
		t.Fatalf("expanded = %v", host.expanded)
	}
}

func TestHoverOverFileCancelsTimer(t *testing.T) {
	host := newFakeHost()
	host.closed["docs"] = true
	c, sched := newTestController(host)

	startDrag(c, "a.md")
	c.PointerMove(over("docs", 320))
	c.PointerMove(over("readme.md", 340))
	sched.Advance(time.Second)
	if len(host.expanded) != 0 {
		t.Fatalf("expanded = %v", host.expanded)
	}
}

func TestStaleHoverFireIsIgnored(t *testing.T) {
	host := newFakeHost()
	host.closed["docs"] = true
	c, sched := newTestController(host)

	startDrag(c, "a.md")
	c.PointerMove(over("docs", 320))
	sched.mu.Lock()
	stale := sched.timers[len(sched.timers)-1].fn
	sched.mu.Unlock()

	c.Cancel()
	stale()
	if len(host.expanded) != 0 {
		t.Fatalf("stale timer expanded %v", host.expanded)
	}
}

func TestAutoScrollSpeedDependsOnDepthInBand(t *testing.T) {
	host := newFakeHost()
	c, sched := newTestController(host)

	startDrag(c, "a.md")
	c.PointerMove(Pointer{At: Point{X: 20, Y: 10}})
	sched.Advance(DefaultScrollInterval)
	if len(host.scrolled) != 1 || host.scrolled[0] != -8 {
		t.Fatalf("scrolled = %v, want [-8]", host.scrolled)
	}

	c.PointerMove(Pointer{At: Point{X: 20, Y: 599}})
	sched.Advance(DefaultScrollInterval)
	if got := host.scrolled[len(host.scrolled)-1]; got != 9.8 {
		t.Fatalf("bottom speed = %v, want 9.8", got)
	}

	c.PointerMove(Pointer{At: Point{X: 20, Y: 551}})
	sched.Advance(DefaultScrollInterval)
	if got := host.scrolled[len(host.scrolled)-1]; got != 1 {
		t.Fatalf("shallow speed = %v, want the minimum of 1", got)
	}
}

func TestAutoScrollStopsOutsideBand(t *testing.T) {
	host := newFakeHost()
	c, sched := newTestController(host)

	startDrag(c, "a.md")
	c.PointerMove(Pointer{At: Point{X: 20, Y: 10}})
	sched.Advance(3 * DefaultScrollInterval)
	if len(host.scrolled) != 3 {
		t.Fatalf("scrolled %d times, want 3", len(host.scrolled))
	}

	c.PointerMove(Pointer{At: Point{X: 20, Y: 300}})
	if c.Scrolling() {
		t.Fatal("scroll interval still running outside the band")
	}
	sched.Advance(10 * DefaultScrollInterval)
	if len(host.scrolled) != 3 {
		t.Fatalf("scrolled after leaving band: %v", host.scrolled)
	}
}

func TestEveryExitTransitionCancelsTimers(t *testing.T) {
	exits := map[string]func(c *Controller){
		"drop":   func(c *Controller) { c.PointerUp(over("other", 10)) },
		"cancel": func(c *Controller) { c.Cancel() },
		"leave":  func(c *Controller) { c.Leave() },
		"close":  func(c *Controller) { c.Close() },
	}
	for name, exit := range exits {
		t.Run(name, func(t *testing.T) {
			host := newFakeHost()
			host.closed["docs"] = true
			c, sched := newTestController(host)

			startDrag(c, "a.md")
			c.PointerMove(over("docs", 10))
			if sched.active() != 2 {
				t.Fatalf("expected hover and scroll timers, got %d", sched.active())
			}
			exit(c)
			if sched.active() != 0 {
				t.Fatalf("%d timers leaked", sched.active())
			}
			scrolls := len(host.scrolled)
			sched.Advance(time.Second)
			if len(host.expanded) != 0 || len(host.scrolled) != scrolls {
				t.Fatalf("timers fired after %s: expanded=%v scrolled=%v", name, host.expanded, host.scrolled)
			}
		})
	}
}

func TestClosedControllerIgnoresEvents(t *testing.T) {
	host := newFakeHost()
	c, _ := newTestController(host)
	c.Close()

	startDrag(c, "a.md")
	if c.State() != Idle {
		t.Fatalf("state = %v after close", c.State())
	}
}
