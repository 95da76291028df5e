// Package probe detects whether an attached microcontroller is sitting in
// its boot ROM, by sending an ESP32 ROM SYNC command and watching the reply.
//
// A device in the boot ROM answers a SYNC within ~8ms with SLIP-framed data.
// A device running ordinary firmware answers garbage or nothing before the
// timeout; both classify as "not bootloader". The probe is deliberately
// biased toward false negatives: a slow-to-answer running device must never
// be shown as bootloader.
package probe

import (
	"bytes"
	"encoding/binary"
	"time"

	"go.bug.st/serial"
)

const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD

	cmdSync  = 0x08
	baudRate = 115200

	// respMax bounds how much of the reply we bother reading; a SYNC
	// acknowledgement fits well within it.
	respMax = 100
)

// DefaultTimeout bounds the whole probe. The ROM answers in single-digit
// milliseconds; anything slower is treated as running firmware.
const DefaultTimeout = 150 * time.Millisecond

// syncFrame builds the SLIP-encoded SYNC command: an 8-byte header
// (direction, command, little-endian payload length, checksum placeholder)
// followed by the fixed 36-byte sync payload.
func syncFrame() []byte {
	payload := append([]byte{0x07, 0x07, 0x12, 0x20}, bytes.Repeat([]byte{0x55}, 32)...)

	pkt := make([]byte, 0, 8+len(payload))
	pkt = append(pkt, 0x00, cmdSync)
	pkt = binary.LittleEndian.AppendUint16(pkt, uint16(len(payload)))
	pkt = binary.LittleEndian.AppendUint32(pkt, 0)
	pkt = append(pkt, payload...)

	return slipEncode(pkt)
}

// slipEncode byte-stuffs the packet and wraps it in END framing bytes.
func slipEncode(pkt []byte) []byte {
	frame := make([]byte, 0, len(pkt)+2)
	frame = append(frame, slipEnd)
	for _, b := range pkt {
		switch b {
		case slipEnd:
			frame = append(frame, slipEsc, slipEscEnd)
		case slipEsc:
			frame = append(frame, slipEsc, slipEscEsc)
		default:
			frame = append(frame, b)
		}
	}
	return append(frame, slipEnd)
}

// bootloaderResponse classifies a raw reply. The boot ROM echoes SLIP
// framing; running firmware produces short or frame-less noise.
func bootloaderResponse(resp []byte) bool {
	return len(resp) > 4 && bytes.IndexByte(resp, slipEnd) >= 0
}

// Bootloader probes the serial device at path and reports whether it is in
// boot ROM. Any open, write, or read failure classifies as false: probe
// failure is indistinguishable from "not in bootloader".
func Bootloader(path string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	port, err := serial.Open(path, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return false
	}
	defer func() { _ = port.Close() }()

	if err := port.SetReadTimeout(timeout); err != nil {
		return false
	}
	_ = port.ResetInputBuffer()

	if _, err := port.Write(syncFrame()); err != nil {
		return false
	}
	_ = port.Drain()

	return bootloaderResponse(readUpTo(port, respMax, timeout))
}

// readUpTo accumulates up to max reply bytes, stopping on the first timed-out
// (zero-byte) read, error, or deadline. The deadline guards against chatty
// firmware streaming logs at us indefinitely.
func readUpTo(port serial.Port, max int, timeout time.Duration) []byte {
	buf := make([]byte, max)
	total := 0
	deadline := time.Now().Add(timeout)
	for total < max && time.Now().Before(deadline) {
		n, err := port.Read(buf[total:])
		if err != nil || n == 0 {
			break
		}
		total += n
	}
	return buf[:total]
}
