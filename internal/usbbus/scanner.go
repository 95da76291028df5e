// Package usbbus provides live USB bus access: scanning attached devices,
// locating the Insight Hub, and watching for topology changes.
package usbbus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gousb"
	"go.bug.st/serial/enumerator"

	"github.com/m-mcgowan/usb-device/internal/logger"
	"github.com/m-mcgowan/usb-device/internal/models"
	"github.com/m-mcgowan/usb-device/internal/topology"
)

// Insight Hub controller identification. The controller enumerates as a CDC
// serial device on a fixed downstream port of the hub's internal hub.
const (
	hubProduct = "InsightHUB Controller"
	hubVID     = gousb.ID(0x303A)
	hubPID     = gousb.ID(0x1001)
)

// ErrHubNotFound is returned when no Insight Hub controller is on the bus or
// its bus location cannot be determined.
var ErrHubNotFound = errors.New("insight hub not found")

// Scanner produces live bus snapshots by joining serial-port enumeration
// (device paths, serial numbers) with USB descriptors (bus locations).
type Scanner struct {
	log *logger.Logger
	ctx *gousb.Context
}

// NewScanner opens a USB context. Call Close when done.
func NewScanner(log *logger.Logger) *Scanner {
	return &Scanner{log: log, ctx: gousb.NewContext()}
}

// Close releases the USB context.
func (s *Scanner) Close() error {
	return s.ctx.Close()
}

// Locate finds the Insight Hub controller and derives the hub's bus
// location. Performed fresh on startup and on every recovery attempt, since
// the OS may hand out a different port path across replug events.
func (s *Scanner) Locate() (portName, hubLocation string, err error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", "", fmt.Errorf("enumerate serial ports: %w", err)
	}
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if p.Product == hubProduct || (strings.EqualFold(p.VID, "303A") && strings.EqualFold(p.PID, "1001")) {
			portName = p.Name
			break
		}
	}
	if portName == "" {
		return "", "", ErrHubNotFound
	}

	// Descriptor-only pass: the opener rejects everything, so no device is
	// actually opened.
	var controllerLoc string
	_, _ = s.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if controllerLoc == "" && desc.Vendor == hubVID && desc.Product == hubPID {
			controllerLoc = locationString(desc)
		}
		return false
	})

	hubLocation = topology.HubLocation(controllerLoc)
	if hubLocation == "" {
		s.log.Warnw("hub controller found but location unknown", "port", portName)
		return "", "", ErrHubNotFound
	}
	return portName, hubLocation, nil
}

// Scan snapshots the devices currently on the bus. Every USB serial port
// with a serial number yields an observation carrying its device path; USB
// devices that expose a serial number but no openable serial port yield an
// observation with an empty path (the device is enumerated but not awake).
func (s *Scanner) Scan() ([]models.BusObservation, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	type portInfo struct {
		name    string
		product string
	}
	portBySerial := make(map[string]portInfo)
	for _, p := range ports {
		if !p.IsUSB || p.SerialNumber == "" {
			continue
		}
		portBySerial[p.SerialNumber] = portInfo{name: p.Name, product: p.Product}
	}

	locBySerial := s.locationsBySerial()

	obs := make([]models.BusObservation, 0, len(portBySerial))
	for sn, info := range portBySerial {
		obs = append(obs, models.BusObservation{
			SerialNumber: sn,
			Location:     locBySerial[sn],
			DevicePath:   info.name,
			Product:      info.product,
		})
	}
	for sn, loc := range locBySerial {
		if _, ok := portBySerial[sn]; ok {
			continue
		}
		obs = append(obs, models.BusObservation{SerialNumber: sn, Location: loc})
	}
	return obs, nil
}

// locationsBySerial opens non-hub USB devices to read their serial-number
// string descriptors and records each device's bus location. Devices the OS
// refuses to open are skipped; a partial map is still useful.
func (s *Scanner) locationsBySerial() map[string]string {
	locBySerial := make(map[string]string)
	devs, err := s.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Class != gousb.ClassHub && len(desc.Path) > 0
	})
	for _, dev := range devs {
		if sn, serr := dev.SerialNumber(); serr == nil && sn != "" {
			locBySerial[sn] = locationString(dev.Desc)
		}
		_ = dev.Close()
	}
	if err != nil {
		s.log.Debugw("partial usb scan", "err", err)
	}
	return locBySerial
}

// locationString renders a descriptor's position as "<bus>-<p1>.<p2>...",
// matching the dotted form the topology mapper works on.
func locationString(desc *gousb.DeviceDesc) string {
	if desc == nil || len(desc.Path) == 0 {
		return ""
	}
	segs := make([]string, len(desc.Path))
	for i, p := range desc.Path {
		segs[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("%d-%s", desc.Bus, strings.Join(segs, "."))
}
