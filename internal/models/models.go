package models

import "time"

// Channel identifies one of the three Insight Hub display channels, which sit
// directly beneath the hub's own USB bus location (port 1 -> CH1, etc.).
type Channel string

const (
	CH1 Channel = "CH1"
	CH2 Channel = "CH2"
	CH3 Channel = "CH3"
)

// Channels returns all hub channels in display order.
func Channels() []Channel {
	return []Channel{CH1, CH2, CH3}
}

// Device kinds from devices.conf. Only ESP32-class devices are probed for
// bootloader mode; everything else defaults to running.
const (
	KindGeneric = "generic"
	KindESP32   = "esp32"
)

// DeviceRecord is one registered device from devices.conf. Immutable for the
// lifetime of the daemon.
type DeviceRecord struct {
	Name         string `json:"name"`
	SerialNumber string `json:"serial_number"`
	Type         string `json:"type"`     // generic | esp32
	HubName      string `json:"hub_name"` // display label, <= 14 chars
}

// Mode is the last-observed runtime mode of a channel occupant.
type Mode string

const (
	ModeRunning    Mode = "running"
	ModeBootloader Mode = "bootloader"
	ModeSleeping   Mode = "sleeping"

	// Reserved modes: defined in the hub's color table but never produced by
	// the reconciler today.
	ModeOff          Mode = "off"
	ModeDisconnected Mode = "disconnected"
)

// BusObservation is a single device seen on a live bus scan. Ephemeral; a
// fresh slice is produced per scan.
type BusObservation struct {
	SerialNumber string // empty if the device exposes none
	Location     string // e.g. "20-3.3.2"; empty if unknown
	DevicePath   string // serial port path; empty if not openable
	Product      string // USB product string, for naming unregistered devices
}

// ChannelStatus is the diagnostic snapshot of one channel, for `--status`
// and the HTTP status API. Read-only; never derived from pushed state.
type ChannelStatus struct {
	Channel      Channel `json:"channel"`
	Occupied     bool    `json:"occupied"`
	SerialNumber string  `json:"serial_number,omitempty"`
	Name         string  `json:"name,omitempty"`
	HubName      string  `json:"hub_name,omitempty"`
	DevicePath   string  `json:"device_path,omitempty"`
	Registered   bool    `json:"registered,omitempty"`
}

// HubStatus is the full diagnostic snapshot.
type HubStatus struct {
	Port        string          `json:"port"`
	Location    string          `json:"location"`
	Connected   bool            `json:"connected"`
	Registered  int             `json:"registered_devices"`
	Channels    []ChannelStatus `json:"channels"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Event types recorded in the hub event log.
const (
	EventArrived        = "ARRIVED"
	EventRemoved        = "REMOVED"
	EventModeChange     = "MODE_CHANGE"
	EventHubLost        = "HUB_LOST"
	EventHubReconnected = "HUB_RECONNECTED"
)

// HubEvent is a single event-log entry.
type HubEvent struct {
	EventID     string    `json:"event_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Type        string    `json:"type"`
	Channel     string    `json:"channel,omitempty"`
	Description string    `json:"description"`
	Metadata    any       `json:"metadata,omitempty"`
}
