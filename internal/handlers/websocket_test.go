package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/m-mcgowan/usb-device/internal/models"
)

// --- parseInterval unit tests ---

func TestParseInterval(t *testing.T) {
	h := NewHandler(&mockStatus{}, &mockEventLog{}, nil)

	cases := []struct {
		name string
		u    string
		want time.Duration
	}{
		{"default_when_missing", "/ws", 2 * time.Second},
		{"interval_string_valid", "/ws?interval=200ms", 200 * time.Millisecond},
		{"interval_ms_valid", "/ws?interval_ms=150", 150 * time.Millisecond},
		{"interval_too_large", "/ws?interval=40s", 2 * time.Second},
		{"interval_ms_too_large", "/ws?interval_ms=40000", 2 * time.Second},
		{"interval_invalid_string", "/ws?interval=bogus", 2 * time.Second},
		{"both_present_interval_wins", "/ws?interval=5s&interval_ms=150", 5 * time.Second},
		{"both_present_invalid_interval_ms_used", "/ws?interval=bogus&interval_ms=250", 250 * time.Millisecond},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.u, nil)
			c, _ := gin.CreateTestContext(w)
			c.Request = req
			got := h.parseInterval(c)
			if got != tc.want {
				t.Fatalf("got %v, want %v for %s", got, tc.want, tc.u)
			}
		})
	}
}

// --- websocket integration tests ---

func dialWS(t *testing.T, srvURL, rawQuery string) *websocket.Conn {
	t.Helper()
	u, _ := url.Parse(srvURL)
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = rawQuery

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	return conn
}

func TestWebSocket_StatusStream_InitialAndPeriodic(t *testing.T) {
	status := &mockStatus{status: models.HubStatus{
		Port:      "/dev/cu.usbmodem1101",
		Location:  "20-3.3",
		Connected: true,
		Channels: []models.ChannelStatus{
			{Channel: models.CH1},
			{Channel: models.CH2, Occupied: true, Name: "sensor-a", Registered: true},
			{Channel: models.CH3},
		},
	}}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", NewHandler(status, &mockEventLog{}, nil).wsConnect)

	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialWS(t, srv.URL, "interval_ms=20")
	defer conn.Close()

	type envelope struct {
		Type  string          `json:"type"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}

	// Read initial snapshot
	_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if env.Type != "status" || len(env.Data) == 0 {
		t.Fatalf("bad envelope: %+v", env)
	}
	var st models.HubStatus
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.Port != "/dev/cu.usbmodem1101" || !st.Connected || len(st.Channels) != 3 {
		t.Fatalf("unexpected status: %+v", st)
	}

	// Read a subsequent tick
	_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	env = envelope{}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read second: %v", err)
	}
	if env.Type != "status" {
		t.Fatalf("expected type=status, got %+v", env)
	}
}

func TestWebSocket_DiscoveryFailure_ReportedInBand(t *testing.T) {
	status := &mockStatus{err: errors.New("hub not found")}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", NewHandler(status, &mockEventLog{}, nil).wsConnect)

	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialWS(t, srv.URL, "")
	defer conn.Close()

	// The stream stays up; the failure rides in the envelope.
	_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	var env struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != "status" || env.Error == "" {
		t.Fatalf("expected in-band error, got %+v", env)
	}
}
