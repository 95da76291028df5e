package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-mcgowan/usb-device/internal/logger"
	"github.com/m-mcgowan/usb-device/internal/models"
)

// ---- Test doubles ----

type stubLocator struct {
	mu    sync.Mutex
	port  string
	loc   string
	err   error
	calls int
}

func (l *stubLocator) Locate() (string, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.port, l.loc, l.err
}

type stubScanner struct {
	mu  sync.Mutex
	obs []models.BusObservation
}

func (s *stubScanner) Scan() ([]models.BusObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.BusObservation(nil), s.obs...), nil
}

// stubLink records pushes and can be told to fail after a number of pushes,
// latching lost like the real client does on I/O errors.
type stubLink struct {
	mu        sync.Mutex
	pushes    map[models.Channel]int
	failAfter int // 0 = never fail
	total     int
	lost      bool
	closed    bool
}

func newStubLink(failAfter int) *stubLink {
	return &stubLink{pushes: make(map[models.Channel]int), failAfter: failAfter}
}

func (l *stubLink) Push(ch models.Channel, _ models.Frame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	if l.failAfter > 0 && l.total > l.failAfter {
		l.lost = true
		return false
	}
	l.pushes[ch]++
	return true
}

func (l *stubLink) Lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

func (l *stubLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *stubLink) pushCount(ch models.Channel) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pushes[ch]
}

type stubEvents struct {
	mu     sync.Mutex
	events []models.HubEvent
}

func (e *stubEvents) Append(_ context.Context, ev models.HubEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *stubEvents) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

type stubWatcher struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (w *stubWatcher) Start(func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
}

func (w *stubWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
}

func testAgentConfig() Config {
	return Config{Interval: 15 * time.Millisecond, Settle: time.Millisecond, ProbeTimeout: time.Millisecond}
}

// ---- Tests ----

func TestRun_KeepalivePushesEveryChannel(t *testing.T) {
	link := newStubLink(0)
	scanner := &stubScanner{} // empty bus: nothing changes, pushes must still flow
	deps := Deps{
		Locator:  &stubLocator{port: "/dev/cu.hub", loc: "20-3.3"},
		Scanner:  scanner,
		OpenLink: func(string) (Link, error) { return link, nil },
		Prober:   func(string, time.Duration) bool { return false },
	}
	a := New(logger.Get(logger.ErrorLevel), testRegistry(), deps, testAgentConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, ch := range models.Channels() {
		if n := link.pushCount(ch); n < 3 {
			t.Errorf("%s: got %d keepalive pushes, want >= 3", ch, n)
		}
	}
	if !link.closed {
		t.Errorf("link must be closed on shutdown")
	}
}

func TestRun_WatcherLifecycle(t *testing.T) {
	watcher := &stubWatcher{}
	deps := Deps{
		Locator:  &stubLocator{port: "/dev/cu.hub", loc: "20-3.3"},
		Scanner:  &stubScanner{},
		Watcher:  watcher,
		OpenLink: func(string) (Link, error) { return newStubLink(0), nil },
		Prober:   func(string, time.Duration) bool { return false },
	}
	a := New(logger.Get(logger.ErrorLevel), testRegistry(), deps, testAgentConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_ = a.Run(ctx)

	if !watcher.started || !watcher.stopped {
		t.Errorf("watcher lifecycle: started=%v stopped=%v", watcher.started, watcher.stopped)
	}
}

func TestRun_RecoveryReprobesAndRefreshes(t *testing.T) {
	var (
		mu      sync.Mutex
		probes  int
		links   []*stubLink
	)

	scanner := &stubScanner{obs: []models.BusObservation{
		{SerialNumber: "esp001", Location: "20-3.3.1", DevicePath: "/dev/cu.usb1"},
	}}
	events := &stubEvents{}
	deps := Deps{
		Locator: &stubLocator{port: "/dev/cu.hub", loc: "20-3.3"},
		Scanner: scanner,
		Events:  events,
		OpenLink: func(string) (Link, error) {
			mu.Lock()
			defer mu.Unlock()
			// First link dies after its first full cycle; the replacement is healthy.
			link := newStubLink(0)
			if len(links) == 0 {
				link.failAfter = 3
			}
			links = append(links, link)
			return link, nil
		},
		Prober: func(string, time.Duration) bool {
			mu.Lock()
			defer mu.Unlock()
			probes++
			return false
		},
	}
	a := New(logger.Get(logger.ErrorLevel), testRegistry(), deps, testAgentConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = a.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(links) < 2 {
		t.Fatalf("expected a reconnect to open a second link, got %d", len(links))
	}
	if probes < 2 {
		t.Errorf("occupied channel must be re-probed after recovery: got %d probes", probes)
	}
	for _, ch := range models.Channels() {
		if links[1].pushes[ch] == 0 {
			t.Errorf("%s: recovery must perform a full push", ch)
		}
	}
	if !links[0].closed {
		t.Errorf("dead link must be closed during recovery")
	}

	var sawLost, sawReconnected bool
	for _, typ := range events.types() {
		switch typ {
		case models.EventHubLost:
			sawLost = true
		case models.EventHubReconnected:
			sawReconnected = true
		}
	}
	if !sawLost || !sawReconnected {
		t.Errorf("event log: lost=%v reconnected=%v, want both", sawLost, sawReconnected)
	}
}

func TestRun_StartsInRecoveryWhenHubAbsent(t *testing.T) {
	locator := &stubLocator{err: errors.New("no hub")}
	deps := Deps{
		Locator:  locator,
		Scanner:  &stubScanner{},
		OpenLink: func(string) (Link, error) { t.Fatal("open must not be called"); return nil, nil },
		Prober:   func(string, time.Duration) bool { return false },
	}
	a := New(logger.Get(logger.ErrorLevel), testRegistry(), deps, testAgentConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("daemon mode must not fail on discovery failure: %v", err)
	}

	locator.mu.Lock()
	defer locator.mu.Unlock()
	if locator.calls < 2 {
		t.Errorf("recovery must retry discovery, got %d attempts", locator.calls)
	}
}

func TestNotify_Coalesces(t *testing.T) {
	a := New(logger.Get(logger.ErrorLevel), testRegistry(), Deps{
		Locator: &stubLocator{},
		Scanner: &stubScanner{},
		Prober:  func(string, time.Duration) bool { return false },
	}, testAgentConfig())

	a.Notify()
	a.Notify()
	a.Notify()

	select {
	case <-a.notify:
	default:
		t.Fatal("expected one pending signal")
	}
	select {
	case <-a.notify:
		t.Fatal("signals must coalesce into a single pending notification")
	default:
	}
}

func TestRefreshOnce_FailsWithoutHub(t *testing.T) {
	a := New(logger.Get(logger.ErrorLevel), testRegistry(), Deps{
		Locator:  &stubLocator{err: errors.New("no hub")},
		Scanner:  &stubScanner{},
		OpenLink: func(string) (Link, error) { return newStubLink(0), nil },
		Prober:   func(string, time.Duration) bool { return false },
	}, testAgentConfig())

	if err := a.RefreshOnce(context.Background()); err == nil {
		t.Fatal("one-shot refresh must surface discovery failure")
	}
}

func TestStatus_Snapshot(t *testing.T) {
	scanner := &stubScanner{obs: []models.BusObservation{
		{SerialNumber: "abc123", Location: "20-3.3.2", DevicePath: "/dev/cu.usb2"},
		{SerialNumber: "stranger", Location: "20-3.3.3", DevicePath: "/dev/cu.usbX", Product: "Some Board"},
	}}
	a := New(logger.Get(logger.ErrorLevel), testRegistry(), Deps{
		Locator: &stubLocator{port: "/dev/cu.hub", loc: "20-3.3"},
		Scanner: scanner,
		Prober:  func(string, time.Duration) bool { return false },
	}, testAgentConfig())

	st, err := a.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Port != "/dev/cu.hub" || st.Location != "20-3.3" {
		t.Errorf("endpoint: got %q %q", st.Port, st.Location)
	}
	if st.Registered != len(testRegistry()) {
		t.Errorf("registered count: got %d", st.Registered)
	}
	if len(st.Channels) != 3 {
		t.Fatalf("got %d channels", len(st.Channels))
	}

	ch1, ch2, ch3 := st.Channels[0], st.Channels[1], st.Channels[2]
	if ch1.Occupied {
		t.Errorf("CH1 should be empty: %+v", ch1)
	}
	if !ch2.Occupied || !ch2.Registered || ch2.Name != "sensor-a" {
		t.Errorf("CH2: %+v", ch2)
	}
	if !ch3.Occupied || ch3.Registered || ch3.Name != "Some Board" {
		t.Errorf("CH3 must show the unregistered occupant: %+v", ch3)
	}
}
