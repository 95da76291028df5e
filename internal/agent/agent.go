// Package agent runs the reconciliation loop that keeps the Insight Hub's
// channel displays synchronized with the devices attached to it.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m-mcgowan/usb-device/internal/hub"
	"github.com/m-mcgowan/usb-device/internal/logger"
	"github.com/m-mcgowan/usb-device/internal/models"
	"github.com/m-mcgowan/usb-device/internal/probe"
	"github.com/m-mcgowan/usb-device/internal/topology"
)

const (
	// DefaultInterval is the keepalive cadence. The hub firmware clears the
	// displays after 4.5s of serial silence, so this must stay well below
	// that.
	DefaultInterval = 2 * time.Second

	// DefaultSettle is the pause between a topology-change signal and the
	// rescan, giving a just-arrived device time to finish enumerating.
	DefaultSettle = 500 * time.Millisecond
)

// Locator finds the hub's serial port and bus location. Called fresh at
// startup and on every recovery attempt.
type Locator interface {
	Locate() (portName, hubLocation string, err error)
}

// BusScanner snapshots the devices currently on the bus.
type BusScanner interface {
	Scan() ([]models.BusObservation, error)
}

// TopologyWatcher delivers change signals from its own goroutine.
type TopologyWatcher interface {
	Start(onChange func())
	Stop()
}

// EventSink receives channel and connection transitions for the event log.
type EventSink interface {
	Append(ctx context.Context, e models.HubEvent) error
}

// Link is an open display connection to the hub.
type Link interface {
	Push(ch models.Channel, frame models.Frame) bool
	Lost() bool
	Close() error
}

// LinkOpener opens a Link on a serial port path. Swapped out in tests.
type LinkOpener func(path string) (Link, error)

// Deps are the agent's collaborators. Locator and Scanner are required;
// Watcher and Events may be nil (poll-only, no event log). A nil OpenLink or
// Prober selects the real serial implementations.
type Deps struct {
	Locator  Locator
	Scanner  BusScanner
	Watcher  TopologyWatcher
	Events   EventSink
	OpenLink LinkOpener
	Prober   Prober
}

// Config tunes the loop.
type Config struct {
	Interval         time.Duration
	Settle           time.Duration
	ProbeTimeout     time.Duration
	PortOverride     string // skip discovery and use this serial port
	LocationOverride string // skip discovery and use this hub bus location
}

// Agent owns all channel state and the hub connection. All state mutation
// and serial I/O happen on the Run goroutine; the only cross-goroutine
// touches are the notify channel and the endpoint copy read by Status.
type Agent struct {
	log      *logger.Logger
	registry map[string]models.DeviceRecord

	locator  Locator
	scanner  BusScanner
	watcher  TopologyWatcher
	events   EventSink
	openLink LinkOpener

	interval time.Duration
	settle   time.Duration

	tracker    *Tracker
	link       Link
	lastPushed map[models.Channel]models.Frame
	notify     chan struct{}

	mu        sync.RWMutex
	port      string
	location  string
	connected bool
}

// New wires an agent. The registry is treated as immutable.
func New(log *logger.Logger, registry map[string]models.DeviceRecord, deps Deps, cfg Config) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = probe.DefaultTimeout
	}
	if deps.Prober == nil {
		deps.Prober = probe.Bootloader
	}
	if deps.OpenLink == nil {
		deps.OpenLink = serialOpener(log)
	}

	a := &Agent{
		log:        log,
		registry:   registry,
		locator:    deps.Locator,
		scanner:    deps.Scanner,
		watcher:    deps.Watcher,
		events:     deps.Events,
		openLink:   deps.OpenLink,
		interval:   cfg.Interval,
		settle:     cfg.Settle,
		tracker:    NewTracker(registry, countingProber(deps.Prober), cfg.ProbeTimeout),
		lastPushed: make(map[models.Channel]models.Frame),
		notify:     make(chan struct{}, 1),
	}
	a.port = cfg.PortOverride
	a.location = cfg.LocationOverride
	return a
}

// Notify signals that the bus topology may have changed. Safe to call from
// any goroutine; signals between cycles coalesce into one rescan.
func (a *Agent) Notify() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Run is the reconciliation loop. It returns when ctx is canceled, closing
// the hub connection and stopping the watcher on the way out, even
// mid-recovery.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.connect(); err != nil {
		a.log.Warnw("hub not available, entering recovery", "err", err)
	}
	defer a.closeLink()

	if a.watcher != nil {
		a.watcher.Start(a.Notify)
		defer a.watcher.Stop()
		a.log.Infow("watching usb topology events")
	}

	if a.link != nil {
		a.refresh(ctx, false)
	}
	a.log.Infow("reconciliation loop started", "keepalive", a.interval)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		triggered := false
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-a.notify:
			triggered = true
		}

		if a.link == nil || a.link.Lost() {
			if a.reconnect(ctx) {
				a.log.Infow("reconnected to insight hub", "port", a.portName())
			}
			continue
		}

		if triggered {
			if !sleepCtx(ctx, a.settle) {
				return nil
			}
			// Coalesce signals that arrived during the settle delay.
			select {
			case <-a.notify:
			default:
			}
		}

		a.refresh(ctx, !triggered)
	}
}

// RefreshOnce performs a single locate-push-close cycle (the `--once` mode).
// Unlike the daemon loop, discovery failure is returned to the caller.
func (a *Agent) RefreshOnce(ctx context.Context) error {
	if err := a.connect(); err != nil {
		return err
	}
	defer a.closeLink()
	a.refresh(ctx, false)
	return nil
}

// refresh scans the bus, reconciles channel state, and pushes all three
// frames. Pushing every channel every cycle is deliberate: the hub clears
// its displays after a fixed silence window, so unchanged frames still need
// re-sending. logChangesOnly suppresses log lines for unchanged frames.
func (a *Agent) refresh(ctx context.Context, logChangesOnly bool) {
	metricCycles.Inc()

	obs, err := a.scanner.Scan()
	if err != nil {
		a.log.Errorw("bus scan failed", "err", err)
		return
	}

	frames, transitions := a.tracker.Reconcile(obs, a.hubLocation())
	a.recordTransitions(ctx, transitions)

	for _, ch := range models.Channels() {
		frame := frames[ch]
		ok := a.link.Push(ch, frame)
		metricPushes.WithLabelValues(string(ch), pushResult(ok)).Inc()

		prev, pushed := a.lastPushed[ch]
		if !logChangesOnly || !pushed || !frame.Equal(prev) {
			a.log.Infow("display",
				"channel", ch,
				"name", frame.DevName.T1.Txt,
				"color", frame.DevName.T1.Color,
				"ok", ok,
			)
		}
		a.lastPushed[ch] = frame
	}

	if a.link.Lost() {
		a.markLost(ctx)
	}
}

// connect locates the hub (honoring overrides) and opens the serial link.
func (a *Agent) connect() error {
	port, location := a.endpoint()
	if port == "" || location == "" {
		var err error
		port, location, err = a.locator.Locate()
		if err != nil {
			return err
		}
	}

	link, err := a.openLink(port)
	if err != nil {
		return err
	}
	a.link = link
	a.setEndpoint(port, location, true)
	metricConnected.Set(1)
	return nil
}

// reconnect drops the dead connection, clears all cached channel state, and
// tries a fresh discovery. The OS may have moved the hub to a new port path
// across the replug. On success every occupied channel is re-probed and all
// channels get a full, logged push.
func (a *Agent) reconnect(ctx context.Context) bool {
	a.closeLink()
	a.tracker.Reset()
	a.lastPushed = make(map[models.Channel]models.Frame)
	a.setEndpoint("", "", false)

	port, location, err := a.locator.Locate()
	if err != nil {
		a.log.Debugw("hub not found, will retry", "err", err)
		return false
	}
	link, err := a.openLink(port)
	if err != nil {
		a.log.Warnw("hub found but port not openable", "port", port, "err", err)
		return false
	}

	a.link = link
	a.setEndpoint(port, location, true)
	metricConnected.Set(1)
	metricReconnects.Inc()
	a.appendEvent(ctx, models.HubEvent{
		Type:        models.EventHubReconnected,
		Description: "insight hub reconnected",
		Metadata:    map[string]any{"port": port, "location": location},
	})

	a.refresh(ctx, false)
	return true
}

// markLost records the transition into recovery; the next tick drives the
// actual reconnect attempts at the keepalive cadence.
func (a *Agent) markLost(ctx context.Context) {
	if !a.isConnected() {
		return
	}
	a.setEndpoint(a.portName(), a.hubLocation(), false)
	metricConnected.Set(0)
	a.log.Warnw("hub connection lost, entering recovery")
	a.appendEvent(ctx, models.HubEvent{
		Type:        models.EventHubLost,
		Description: "insight hub connection lost",
	})
}

// recordTransitions logs channel changes, updates occupancy metrics, and
// feeds the event log.
func (a *Agent) recordTransitions(ctx context.Context, transitions []Transition) {
	for _, tr := range transitions {
		switch tr.Type {
		case models.EventArrived:
			metricOccupied.WithLabelValues(string(tr.Channel)).Set(1)
			a.log.Infow("device arrived", "channel", tr.Channel, "name", tr.Name, "mode", tr.Mode)
		case models.EventRemoved:
			metricOccupied.WithLabelValues(string(tr.Channel)).Set(0)
			a.log.Infow("device removed", "channel", tr.Channel, "name", tr.Name)
		case models.EventModeChange:
			a.log.Infow("device mode changed", "channel", tr.Channel, "name", tr.Name, "mode", tr.Mode)
		}
		a.appendEvent(ctx, models.HubEvent{
			Type:        tr.Type,
			Channel:     string(tr.Channel),
			Description: transitionDescription(tr),
			Metadata:    map[string]any{"serial": tr.Serial, "name": tr.Name, "mode": string(tr.Mode)},
		})
	}
}

func transitionDescription(tr Transition) string {
	switch tr.Type {
	case models.EventArrived:
		return tr.Name + " arrived (" + string(tr.Mode) + ")"
	case models.EventRemoved:
		return tr.Name + " removed"
	default:
		return tr.Name + " now " + string(tr.Mode)
	}
}

func (a *Agent) appendEvent(ctx context.Context, e models.HubEvent) {
	if a.events == nil {
		return
	}
	e.EventID = uuid.NewString()
	e.OccurredAt = time.Now().UTC()
	if err := a.events.Append(ctx, e); err != nil {
		a.log.Debugw("event log append failed", "type", e.Type, "err", err)
	}
}

func (a *Agent) closeLink() {
	if a.link != nil {
		_ = a.link.Close()
		a.link = nil
	}
	metricConnected.Set(0)
}

// Status assembles the diagnostic snapshot: a fresh bus scan mapped onto
// channels, including unregistered occupants, without touching any pushed
// state. Safe to call from other goroutines (the HTTP handlers).
func (a *Agent) Status() (models.HubStatus, error) {
	port, location := a.endpoint()
	connected := a.isConnected()
	if location == "" {
		var err error
		port, location, err = a.locator.Locate()
		if err != nil {
			return models.HubStatus{}, err
		}
	}

	obs, err := a.scanner.Scan()
	if err != nil {
		return models.HubStatus{}, err
	}

	occupants := make(map[models.Channel]models.BusObservation)
	for _, o := range obs {
		if o.SerialNumber == "" {
			continue
		}
		if ch, ok := topology.ChannelForLocation(o.Location, location); ok {
			occupants[ch] = o
		}
	}

	status := models.HubStatus{
		Port:        port,
		Location:    location,
		Connected:   connected,
		Registered:  len(a.registry),
		GeneratedAt: time.Now().UTC(),
	}
	for _, ch := range models.Channels() {
		cs := models.ChannelStatus{Channel: ch}
		if o, ok := occupants[ch]; ok {
			cs.Occupied = true
			cs.SerialNumber = o.SerialNumber
			cs.DevicePath = o.DevicePath
			if rec, registered := a.registry[o.SerialNumber]; registered {
				cs.Registered = true
				cs.Name = rec.Name
				cs.HubName = rec.HubName
			} else {
				cs.Name = o.Product
				cs.HubName = models.Truncate(o.Product)
			}
		}
		status.Channels = append(status.Channels, cs)
	}
	return status, nil
}

// Endpoint copy, shared with Status across goroutines.

func (a *Agent) setEndpoint(port, location string, connected bool) {
	a.mu.Lock()
	a.port, a.location, a.connected = port, location, connected
	a.mu.Unlock()
}

func (a *Agent) endpoint() (string, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.port, a.location
}

func (a *Agent) portName() string {
	p, _ := a.endpoint()
	return p
}

func (a *Agent) hubLocation() string {
	_, l := a.endpoint()
	return l
}

func (a *Agent) isConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// sleepCtx waits d unless ctx ends first; reports whether the full wait
// completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serialLink adapts the hub connection and protocol client to the Link
// interface the loop works against.
type serialLink struct {
	conn   *hub.Conn
	client *hub.Client
}

func (l *serialLink) Push(ch models.Channel, frame models.Frame) bool {
	return l.client.Push(ch, frame)
}

func (l *serialLink) Lost() bool   { return l.conn.Lost() }
func (l *serialLink) Close() error { return l.conn.Close() }

// serialOpener opens the real serial link.
func serialOpener(log *logger.Logger) LinkOpener {
	return func(path string) (Link, error) {
		conn, err := hub.Open(path)
		if err != nil {
			return nil, err
		}
		return &serialLink{conn: conn, client: hub.NewClient(conn, log)}, nil
	}
}
