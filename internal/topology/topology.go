// Package topology maps USB bus locations to Insight Hub display channels.
package topology

import (
	"strconv"
	"strings"

	"github.com/m-mcgowan/usb-device/internal/models"
)

// ChannelForLocation maps a device's bus location onto a hub channel.
//
// The device must sit strictly below the hub's location in the dotted port
// path; the first segment past the hub prefix is the downstream port number.
// Ports 1-3 map to CH1-CH3, everything else (reserved ports, other hubs,
// upstream segments, missing locations) maps to nothing.
func ChannelForLocation(deviceLocation, hubLocation string) (models.Channel, bool) {
	if deviceLocation == "" || hubLocation == "" {
		return "", false
	}
	prefix := hubLocation + "."
	if !strings.HasPrefix(deviceLocation, prefix) {
		return "", false
	}
	portStr, _, _ := strings.Cut(deviceLocation[len(prefix):], ".")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", false
	}
	switch port {
	case 1:
		return models.CH1, true
	case 2:
		return models.CH2, true
	case 3:
		return models.CH3, true
	}
	return "", false
}

// HubLocation derives the hub's bus location from its controller's location.
// The controller enumerates on a fixed downstream port of the hub's internal
// hub, so stripping the last dotted segment yields the hub itself.
// Returns "" when the controller location has no downstream segment.
func HubLocation(controllerLocation string) string {
	idx := strings.LastIndex(controllerLocation, ".")
	if idx < 0 {
		return ""
	}
	return controllerLocation[:idx]
}
