// Package hub speaks the Insight Hub's line-oriented JSON serial API.
package hub

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

const (
	baudRate = 115200

	// replyTimeout bounds a single reply read. It is the only wait inside a
	// push, so it also bounds how long a stop request can stall on in-flight
	// serial I/O.
	replyTimeout = 1 * time.Second
)

// ErrNotConnected reports a send on a closed connection.
var ErrNotConnected = errors.New("hub connection not open")

// Conn is the serial link to the hub controller. There is at most one open
// connection per process, owned by the reconciliation loop; Conn is not safe
// for concurrent use.
//
// The lost latch is set by the client on I/O errors only. Application-level
// failures (bad replies, non-ok status) leave it untouched.
type Conn struct {
	port serial.Port
	path string
	lost bool
}

// Open opens the hub's serial port and asserts DTR, which the hub's API
// requires before it will answer.
func Open(path string) (*Conn, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("open hub port %q: %w", path, err)
	}
	if err := port.SetReadTimeout(replyTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set reply timeout on %q: %w", path, err)
	}
	if err := port.SetDTR(true); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("assert DTR on %q: %w", path, err)
	}
	return &Conn{port: port, path: path}, nil
}

// wrap builds a Conn over an existing port. Test seam.
func wrap(port serial.Port, path string) *Conn {
	return &Conn{port: port, path: path}
}

// Close releases the serial port. Safe on a nil or already-closed Conn.
func (c *Conn) Close() error {
	if c == nil || c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

// Lost reports whether an I/O error has been observed on this connection.
func (c *Conn) Lost() bool {
	return c == nil || c.lost
}

// Path returns the serial port path this connection was opened on.
func (c *Conn) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}
