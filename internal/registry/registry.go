// Package registry loads the devices.conf registry: one INI section per
// registered device, keyed by serial number (or MAC for network boards).
package registry

import (
	"fmt"
	"strings"

	"github.com/go-ini/ini"

	"github.com/m-mcgowan/usb-device/internal/models"
)

// hubSectionPrefix marks hub configuration sections, which belong to other
// tools and are not device registrations.
const hubSectionPrefix = "hub:"

// Load parses devices.conf into a serial-number -> DeviceRecord mapping.
//
// Two formats are accepted, and may be mixed in one file:
//
//	[esp32-devkit]
//	serial = 3C:71:BF:4A:00:01
//	type = esp32
//	hub_name = devkit
//
//	legacy-board=AB12CD34            # legacy flat NAME=SERIAL line
//
// Sections without a mac/serial key are skipped. A missing file yields an
// empty (non-nil) mapping; callers decide whether that is fatal.
func Load(path string) (map[string]models.DeviceRecord, error) {
	devices := make(map[string]models.DeviceRecord)

	f, err := ini.LoadSources(ini.LoadOptions{Loose: true}, path)
	if err != nil {
		return nil, fmt.Errorf("parse registry %q: %w", path, err)
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case name == ini.DefaultSection:
			// Flat legacy lines land in the default section as NAME=SERIAL.
			for key, val := range sec.KeysHash() {
				val = strings.TrimSpace(val)
				if val == "" {
					continue
				}
				devices[val] = models.DeviceRecord{
					Name:         key,
					SerialNumber: val,
					Type:         models.KindGeneric,
					HubName:      models.Truncate(key),
				}
			}
		case strings.HasPrefix(name, hubSectionPrefix):
			continue
		default:
			rec, ok := sectionRecord(name, sec)
			if !ok {
				continue
			}
			devices[rec.SerialNumber] = rec
		}
	}

	return devices, nil
}

// sectionRecord builds a DeviceRecord from a [name] section. Returns false
// when the section carries no serial number.
func sectionRecord(name string, sec *ini.Section) (models.DeviceRecord, bool) {
	serial := strings.TrimSpace(sec.Key("mac").String())
	if serial == "" {
		serial = strings.TrimSpace(sec.Key("serial").String())
	}
	if serial == "" {
		return models.DeviceRecord{}, false
	}

	hubName := strings.TrimSpace(sec.Key("hub_name").String())
	if hubName == "" {
		hubName = name
	}

	typ := strings.TrimSpace(sec.Key("type").String())
	if typ == "" {
		typ = models.KindGeneric
	}

	return models.DeviceRecord{
		Name:         name,
		SerialNumber: serial,
		Type:         typ,
		HubName:      models.Truncate(hubName),
	}, true
}
