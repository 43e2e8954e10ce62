package monitor

import (
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/microuds/driver"
	"github.com/LoveWonYoung/microuds/isotp"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_Broadcast(t *testing.T) {
	prev := log.Writer()
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(prev) })

	hub := NewHub(0x7E8, 0x7E0)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	a, b := dial(t, srv), dial(t, srv)
	for _, c := range []*websocket.Conn{a, b} {
		var hello Hello
		require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
		require.NoError(t, c.ReadJSON(&hello))
		assert.Equal(t, uint32(0x7E8), hello.TxID)
	}
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	bus := driver.NewVirtualBus()
	ecu, err := driver.NewAdapter(bus.Node("ecu"), 0x7E8, 0x7E0)
	require.NoError(t, err)
	defer ecu.Close()
	ecu.SetTap(hub.Tap())
	require.NoError(t, ecu.Transmit(isotp.Frame{0x02, 0x50, 0x03}))

	for _, c := range []*websocket.Conn{a, b} {
		var f Frame
		require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
		_, raw, err := c.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &f))
		assert.Equal(t, "TX", f.Dir)
		assert.Equal(t, uint32(0x7E8), f.ID)
		assert.Equal(t, "0250030000000000", f.Data)
	}

	a.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_PublishWithoutClients(t *testing.T) {
	hub := NewHub(1, 2)
	assert.NotPanics(t, func() {
		hub.Publish(driver.NewMessage(driver.RX, 2, []byte{1}))
	})
	assert.Zero(t, hub.Clients())
}
