package data_test

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpalm/xpalm/device/xbox360"
	"github.com/xpalm/xpalm/internal/driver"
	"github.com/xpalm/xpalm/internal/protocol"
	"github.com/xpalm/xpalm/internal/registry"
	"github.com/xpalm/xpalm/internal/server/data"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func start(t *testing.T) (*data.Server, *registry.Registry, *driver.Memory) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	mem := driver.NewMemory(nil)
	reg := registry.New(mem, logger)
	srv := data.New(data.Config{Port: 0}, loopback, reg, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-errc:
		t.Fatalf("server failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errc)
	})
	return srv, reg, mem
}

func admit(t *testing.T, reg *registry.Registry, mem *driver.Memory, addr netip.Addr) driver.Handle {
	t.Helper()
	h, err := driver.Plug(context.Background(), mem)
	require.NoError(t, err)
	_, err = reg.Insert(addr, h, xbox360.InputState{})
	require.NoError(t, err)
	return h
}

func sendDatagram(t *testing.T, srv *data.Server, b []byte) {
	t.Helper()
	c, err := net.Dial("udp4", srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write(b)
	require.NoError(t, err)
}

func TestLeftStickUpdate(t *testing.T) {
	srv, reg, mem := start(t)
	h := admit(t, reg, mem, loopback)

	sendDatagram(t, srv, []byte{3, 0, 0x10, 0x00, 0x20, 0x00})

	assert.Eventually(t, func() bool {
		st, _ := reg.Lookup(loopback)
		return st.LX == 16 && st.LY == 32
	}, 2*time.Second, 10*time.Millisecond)
	st, _ := mem.State(h)
	assert.Equal(t, int16(16), st.LX)
	assert.Equal(t, int16(32), st.LY)
}

func TestRightStickNegative(t *testing.T) {
	srv, reg, mem := start(t)
	admit(t, reg, mem, loopback)

	sendDatagram(t, srv, protocol.EncodeAxis(protocol.AxisUpdate{Stick: xbox360.Right, X: -32768, Y: 32767}))

	assert.Eventually(t, func() bool {
		st, _ := reg.Lookup(loopback)
		return st.RX == -32768 && st.RY == 32767 && st.LX == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownSenderIgnored(t *testing.T) {
	srv, reg, mem := start(t)
	other := netip.MustParseAddr("10.9.8.7")
	h := admit(t, reg, mem, other)

	sendDatagram(t, srv, []byte{3, 0, 0x10, 0x00, 0x20, 0x00})
	sendDatagram(t, srv, []byte{1, 2, 3})
	sendDatagram(t, srv, []byte{5, 0, 1, 0, 1, 0})
	time.Sleep(100 * time.Millisecond)

	assert.False(t, reg.Has(loopback))
	assert.Equal(t, 1, reg.Len())
	st, _ := mem.State(h)
	assert.Equal(t, xbox360.InputState{}, st)

	// The loop is still serving.
	admit(t, reg, mem, loopback)
	sendDatagram(t, srv, []byte{3, 1, 0x01, 0x00, 0x02, 0x00})
	assert.Eventually(t, func() bool {
		st, _ := reg.Lookup(loopback)
		return st.RX == 1 && st.RY == 2
	}, 2*time.Second, 10*time.Millisecond)
}
