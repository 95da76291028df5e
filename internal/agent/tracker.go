package agent

import (
	"time"

	"github.com/m-mcgowan/usb-device/internal/models"
	"github.com/m-mcgowan/usb-device/internal/topology"
)

// Prober classifies whether the serial device at path is sitting in its boot
// ROM. Swapped out in tests.
type Prober func(path string, timeout time.Duration) bool

// Transition is an observed channel change, surfaced for logging and the
// event log.
type Transition struct {
	Channel models.Channel
	Type    string // models.EventArrived | EventRemoved | EventModeChange
	Serial  string
	Name    string
	Mode    models.Mode
}

// channelState is the tagged per-channel record. Absence from the tracker's
// map means the channel is empty; presence means occupied-and-probed.
type channelState struct {
	serial string
	probed models.Mode // mode derived when the occupant appeared
	shown  models.Mode // mode rendered on the last reconcile
}

// Tracker is the per-channel state machine. Probing costs ~150ms and opens
// the occupant's serial port, so the probed mode is cached and only
// re-derived when the channel's occupant changes; while the occupant is
// unchanged the cached mode is retained even if the device's true firmware
// state has moved on. Path availability is the exception: it is re-checked
// every cycle, so a device whose port vanishes shows sleeping immediately.
//
// Not safe for concurrent use; owned by the reconciliation loop.
type Tracker struct {
	registry     map[string]models.DeviceRecord
	prober       Prober
	probeTimeout time.Duration
	states       map[models.Channel]channelState
}

// NewTracker builds a tracker over an immutable registry.
func NewTracker(registry map[string]models.DeviceRecord, prober Prober, probeTimeout time.Duration) *Tracker {
	return &Tracker{
		registry:     registry,
		prober:       prober,
		probeTimeout: probeTimeout,
		states:       make(map[models.Channel]channelState),
	}
}

// Reset clears all cached channel state, forcing a full re-probe of every
// occupied channel on the next reconcile. Called after hub reconnection.
func (t *Tracker) Reset() {
	t.states = make(map[models.Channel]channelState)
}

// Reconcile maps one bus snapshot onto desired frames for all three
// channels. Every channel gets a frame, occupied or not, so the caller can
// keep the hub's silence timer fed.
func (t *Tracker) Reconcile(obs []models.BusObservation, hubLocation string) (map[models.Channel]models.Frame, []Transition) {
	type occupant struct {
		rec models.DeviceRecord
		obs models.BusObservation
	}

	// Last write wins when two observations map to the same channel.
	byChannel := make(map[models.Channel]occupant)
	for _, o := range obs {
		rec, ok := t.registry[o.SerialNumber]
		if !ok {
			continue
		}
		ch, ok := topology.ChannelForLocation(o.Location, hubLocation)
		if !ok {
			continue
		}
		byChannel[ch] = occupant{rec: rec, obs: o}
	}

	frames := make(map[models.Channel]models.Frame, len(models.Channels()))
	var transitions []Transition

	for _, ch := range models.Channels() {
		occ, occupied := byChannel[ch]
		prev, had := t.states[ch]

		if !occupied {
			if had {
				transitions = append(transitions, Transition{
					Channel: ch,
					Type:    models.EventRemoved,
					Serial:  prev.serial,
					Name:    t.registry[prev.serial].Name,
				})
				delete(t.states, ch)
			}
			frames[ch] = models.EmptyFrame()
			continue
		}

		st := prev
		arrived := !had || prev.serial != occ.rec.SerialNumber
		if arrived {
			if had {
				transitions = append(transitions, Transition{
					Channel: ch,
					Type:    models.EventRemoved,
					Serial:  prev.serial,
					Name:    t.registry[prev.serial].Name,
				})
			}
			st = channelState{
				serial: occ.rec.SerialNumber,
				probed: t.probedMode(occ.rec, occ.obs),
			}
		}

		mode := effectiveMode(st.probed, occ.obs)
		switch {
		case arrived:
			transitions = append(transitions, Transition{
				Channel: ch,
				Type:    models.EventArrived,
				Serial:  st.serial,
				Name:    occ.rec.Name,
				Mode:    mode,
			})
		case st.shown != mode:
			transitions = append(transitions, Transition{
				Channel: ch,
				Type:    models.EventModeChange,
				Serial:  st.serial,
				Name:    occ.rec.Name,
				Mode:    mode,
			})
		}

		st.shown = mode
		t.states[ch] = st
		frames[ch] = models.RenderFrame(occ.rec.HubName, mode)
	}

	return frames, transitions
}

// probedMode derives the occupant's mode once, when it appears on a channel.
// Only ESP32-class devices are worth a bootloader probe; a device without an
// openable port cannot be probed at all.
func (t *Tracker) probedMode(rec models.DeviceRecord, obs models.BusObservation) models.Mode {
	if obs.DevicePath == "" {
		return models.ModeSleeping
	}
	if rec.Type == models.KindESP32 && t.prober != nil && t.prober(obs.DevicePath, t.probeTimeout) {
		return models.ModeBootloader
	}
	return models.ModeRunning
}

// effectiveMode layers per-cycle port availability over the cached probe
// result: a vanished port always shows sleeping, and a port that reappears
// after sleeping is assumed to be running normal firmware (no re-probe).
func effectiveMode(cached models.Mode, obs models.BusObservation) models.Mode {
	if obs.DevicePath == "" {
		return models.ModeSleeping
	}
	if cached == "" || cached == models.ModeSleeping {
		return models.ModeRunning
	}
	return cached
}
