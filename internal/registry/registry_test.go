package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mcgowan/usb-device/internal/models"
)

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write conf: %v", err)
	}
	return path
}

func TestLoad_SectionFormat(t *testing.T) {
	t.Parallel()

	path := writeConf(t, `
# workstation boards
[esp32-devkit]
mac = 3C:71:BF:4A:00:01
type = esp32
hub_name = devkit

[sensor-a]
serial = abc123
`)

	devices, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}

	dk, ok := devices["3C:71:BF:4A:00:01"]
	if !ok {
		t.Fatalf("esp32-devkit not keyed by mac")
	}
	if dk.Name != "esp32-devkit" || dk.Type != models.KindESP32 || dk.HubName != "devkit" {
		t.Errorf("unexpected record: %+v", dk)
	}

	sa, ok := devices["abc123"]
	if !ok {
		t.Fatalf("sensor-a not keyed by serial")
	}
	if sa.Type != models.KindGeneric {
		t.Errorf("type should default to generic, got %q", sa.Type)
	}
	if sa.HubName != "sensor-a" {
		t.Errorf("hub_name should default to the section name, got %q", sa.HubName)
	}
}

func TestLoad_LegacyFlatFormat(t *testing.T) {
	t.Parallel()

	path := writeConf(t, "nrf-dongle=E1F2A3B4\n")

	devices, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rec, ok := devices["E1F2A3B4"]
	if !ok {
		t.Fatalf("legacy entry missing: %v", devices)
	}
	if rec.Name != "nrf-dongle" || rec.Type != models.KindGeneric {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestLoad_SkipsHubSectionsAndSerialless(t *testing.T) {
	t.Parallel()

	path := writeConf(t, `
[hub:insight]
port = /dev/cu.usbmodem1101

[no-serial]
type = esp32
`)

	devices, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("hub: and serial-less sections must be skipped, got %v", devices)
	}
}

func TestLoad_TruncatesHubName(t *testing.T) {
	t.Parallel()

	path := writeConf(t, `
[board-with-a-very-long-name]
serial = s1
`)

	devices, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rec := devices["s1"]
	if len(rec.HubName) != models.MaxNameLen {
		t.Errorf("hub name %q not truncated to %d", rec.HubName, models.MaxNameLen)
	}
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	devices, err := Load(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("expected empty registry, got %v", devices)
	}
}
