package models

// MaxNameLen is the hub's per-line text limit.
const MaxNameLen = 14

// Placeholder shown on unoccupied channels.
const (
	emptyText  = "---"
	emptyColor = "DARKGREY"
)

// modeColors maps a mode to its display color. Modes outside the table
// render GREEN for the name line and DARKGREY for the status line.
var modeColors = map[Mode]string{
	ModeRunning:      "GREEN",
	ModeBootloader:   "ORANGE",
	ModeSleeping:     "CYAN",
	ModeOff:          "RED",
	ModeDisconnected: "RED",
}

// Line is one text line on a channel display.
type Line struct {
	Txt   string `json:"txt"`
	Color string `json:"color"`
}

// NameLines holds the name line (T1) and optional status line (T2).
type NameLines struct {
	T1 Line  `json:"T1"`
	T2 *Line `json:"T2,omitempty"`
}

// Frame is the rendered display state for one channel, in the shape the hub's
// JSON API expects.
type Frame struct {
	DevName NameLines `json:"Dev1_name"`
	NumDev  string    `json:"numDev"`
	USBType string    `json:"usbType"`
}

// Equal reports whether two frames render identically. Used for
// change-detection logging; pushes happen regardless.
func (f Frame) Equal(o Frame) bool {
	if f.DevName.T1 != o.DevName.T1 || f.NumDev != o.NumDev || f.USBType != o.USBType {
		return false
	}
	switch {
	case f.DevName.T2 == nil && o.DevName.T2 == nil:
		return true
	case f.DevName.T2 == nil || o.DevName.T2 == nil:
		return false
	default:
		return *f.DevName.T2 == *o.DevName.T2
	}
}

// Truncate clips a string to the hub's display width.
func Truncate(s string) string {
	if len(s) > MaxNameLen {
		return s[:MaxNameLen]
	}
	return s
}

// RenderFrame builds the frame for an occupied channel. The status line is
// present only when the device is not in its normal running mode.
func RenderFrame(hubName string, mode Mode) Frame {
	color, ok := modeColors[mode]
	if !ok {
		color = modeColors[ModeRunning]
	}
	lines := NameLines{T1: Line{Txt: Truncate(hubName), Color: color}}
	if mode != ModeRunning {
		statusColor, ok := modeColors[mode]
		if !ok {
			statusColor = emptyColor
		}
		lines.T2 = &Line{Txt: string(mode), Color: statusColor}
	}
	return Frame{DevName: lines, NumDev: "10", USBType: "2"}
}

// EmptyFrame builds the placeholder frame for an unoccupied channel.
func EmptyFrame() Frame {
	return Frame{
		DevName: NameLines{T1: Line{Txt: emptyText, Color: emptyColor}},
		NumDev:  "10",
		USBType: "2",
	}
}
