package usbbus

import (
	"maps"
	"time"

	"github.com/google/gousb"

	"github.com/m-mcgowan/usb-device/internal/logger"
)

// defaultWatchInterval is how often the watcher snapshots the bus. Coarser
// than the agent's keepalive tick is pointless; finer just burns descriptor
// reads.
const defaultWatchInterval = 750 * time.Millisecond

// devKey identifies a device for change detection. The address is
// reassigned on replug, so a replugged device shows up as a change even when
// it lands on the same port.
type devKey struct {
	bus     int
	address int
}

// Watcher polls USB descriptors and invokes a callback whenever the set of
// attached devices changes, anywhere on the bus. The callback runs on the
// watcher's own goroutine and must not touch channel state or serial I/O;
// signalling a flag/channel is all it is for.
type Watcher struct {
	log      *logger.Logger
	interval time.Duration

	ctx  *gousb.Context
	stop chan struct{}
	done chan struct{}
}

// NewWatcher builds a watcher with the default poll interval.
func NewWatcher(log *logger.Logger) *Watcher {
	return &Watcher{log: log, interval: defaultWatchInterval}
}

// Start begins watching and calls onChange on every add/remove. It does not
// report which device changed; callers re-scan and diff.
func (w *Watcher) Start(onChange func()) {
	if w.stop != nil {
		return
	}
	w.ctx = gousb.NewContext()
	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	go w.run(onChange)
}

// Stop halts the watcher and releases its USB context. Safe to call when the
// watcher was never started.
func (w *Watcher) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
	_ = w.ctx.Close()
	w.stop = nil
}

func (w *Watcher) run(onChange func()) {
	defer close(w.done)

	prev := w.snapshot()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			cur := w.snapshot()
			if !maps.Equal(prev, cur) {
				w.log.Debugw("usb topology changed", "devices", len(cur))
				prev = cur
				onChange()
			}
		}
	}
}

// snapshot collects the (bus, address) set of attached devices without
// opening any of them.
func (w *Watcher) snapshot() map[devKey]struct{} {
	set := make(map[devKey]struct{})
	_, _ = w.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		set[devKey{bus: desc.Bus, address: desc.Address}] = struct{}{}
		return false
	})
	return set
}
