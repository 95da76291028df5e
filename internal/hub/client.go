package hub

import (
	"encoding/json"
	"fmt"

	"github.com/m-mcgowan/usb-device/internal/logger"
	"github.com/m-mcgowan/usb-device/internal/models"
)

// maxReplyLen caps a reply line; the hub answers with short status objects.
const maxReplyLen = 512

// statusOK is the hub's success sentinel.
const statusOK = "ok"

// setRequest is the "set" command: one frame per addressed channel.
type setRequest struct {
	Action string                          `json:"action"`
	Params map[models.Channel]models.Frame `json:"params"`
}

// reply is the hub's one-line response.
type reply struct {
	Status string `json:"status"`
}

// Client pushes display frames over a hub connection.
type Client struct {
	log  *logger.Logger
	conn *Conn
}

// NewClient wraps a connection. The client does not own the connection's
// lifecycle; the reconciliation loop does.
func NewClient(conn *Conn, log *logger.Logger) *Client {
	return &Client{log: log, conn: conn}
}

// Push sends one channel's frame and reports success. Success means the hub
// answered with status "ok"; timeouts, unparseable replies, and non-ok
// statuses are failures that do not mark the connection lost, while I/O
// errors additionally latch the connection as lost so the loop reconnects.
func (c *Client) Push(channel models.Channel, frame models.Frame) bool {
	resp, err := c.send(setRequest{
		Action: "set",
		Params: map[models.Channel]models.Frame{channel: frame},
	})
	if err != nil {
		c.log.Errorw("hub push failed", "channel", channel, "err", err)
		return false
	}
	return resp.Status == statusOK
}

// send writes one JSON line and reads one reply line. A timed-out (empty)
// reply or a malformed reply returns an error without latching lost; write
// and read I/O errors latch lost.
func (c *Client) send(msg any) (reply, error) {
	if c.conn == nil || c.conn.port == nil {
		return reply{}, ErrNotConnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return reply{}, fmt.Errorf("encode request: %w", err)
	}
	payload = append(payload, '\n')

	if _, err := c.conn.port.Write(payload); err != nil {
		c.conn.lost = true
		return reply{}, fmt.Errorf("write to hub: %w", err)
	}
	if err := c.conn.port.Drain(); err != nil {
		c.conn.lost = true
		return reply{}, fmt.Errorf("flush to hub: %w", err)
	}

	line, err := c.readLine()
	if err != nil {
		c.conn.lost = true
		return reply{}, fmt.Errorf("read from hub: %w", err)
	}
	if len(line) == 0 {
		return reply{}, fmt.Errorf("no reply before timeout")
	}

	var r reply
	if err := json.Unmarshal(line, &r); err != nil {
		return reply{}, fmt.Errorf("malformed reply %q: %w", line, err)
	}
	return r, nil
}

// readLine reads until newline, a timed-out zero-byte read, or the length
// cap. The port's read timeout bounds each read.
func (c *Client) readLine() ([]byte, error) {
	line := make([]byte, 0, 64)
	buf := make([]byte, 1)
	for len(line) < maxReplyLen {
		n, err := c.conn.port.Read(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		if buf[0] == '\n' {
			break
		}
		if buf[0] != '\r' {
			line = append(line, buf[0])
		}
	}
	return line, nil
}
