package registry_test

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpalm/xpalm/device/xbox360"
	"github.com/xpalm/xpalm/internal/driver"
	"github.com/xpalm/xpalm/internal/registry"
)

var (
	addrA = netip.MustParseAddr("192.168.1.20")
	addrB = netip.MustParseAddr("192.168.1.21")
)

func plug(t *testing.T, b driver.Binding) driver.Handle {
	t.Helper()
	h, err := driver.Plug(context.Background(), b)
	require.NoError(t, err)
	return h
}

func TestInsertPushesInitialState(t *testing.T) {
	mem := driver.NewMemory(nil)
	r := registry.New(mem, slog.New(slog.DiscardHandler))

	h := plug(t, mem)
	id, err := r.Insert(addrA, h, xbox360.InputState{})
	require.NoError(t, err)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", id.String())
	assert.Equal(t, 1, mem.Pushes(h))
	assert.True(t, r.Has(addrA))
	assert.Equal(t, 1, r.Len())
}

func TestWithEntryMutatesAndPushes(t *testing.T) {
	mem := driver.NewMemory(nil)
	r := registry.New(mem, slog.New(slog.DiscardHandler))
	h := plug(t, mem)
	_, err := r.Insert(addrA, h, xbox360.InputState{})
	require.NoError(t, err)

	ok := r.WithEntry(addrA, func(s *xbox360.InputState) { s.Press(xbox360.ButtonA) })
	require.True(t, ok)

	st, _ := mem.State(h)
	assert.Equal(t, uint16(xbox360.ButtonA), st.Buttons)
	got, ok := r.Lookup(addrA)
	require.True(t, ok)
	assert.Equal(t, st, got)

	assert.False(t, r.WithEntry(addrB, func(*xbox360.InputState) { t.Fatal("called for unknown address") }))
}

func TestMappedAddressSharesEntry(t *testing.T) {
	mem := driver.NewMemory(nil)
	r := registry.New(mem, slog.New(slog.DiscardHandler))
	_, err := r.Insert(addrA, plug(t, mem), xbox360.InputState{})
	require.NoError(t, err)

	mapped := netip.AddrFrom16(addrA.As16())
	assert.True(t, r.Has(mapped))
}

func TestInsertReplacesAndTearsDown(t *testing.T) {
	mem := driver.NewMemory(nil)
	r := registry.New(mem, slog.New(slog.DiscardHandler))

	first := plug(t, mem)
	_, err := r.Insert(addrA, first, xbox360.InputState{})
	require.NoError(t, err)
	second := plug(t, mem)
	_, err = r.Insert(addrA, second, xbox360.InputState{})
	require.NoError(t, err)

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, mem.Live())
	_, ok := mem.State(first)
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	mem := driver.NewMemory(nil)
	r := registry.New(mem, slog.New(slog.DiscardHandler))
	_, err := r.Insert(addrA, plug(t, mem), xbox360.InputState{})
	require.NoError(t, err)

	assert.True(t, r.Remove(addrA))
	assert.False(t, r.Remove(addrA))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, mem.Live())
}

func TestRemoveSessionIgnoresReplacedEntry(t *testing.T) {
	mem := driver.NewMemory(nil)
	r := registry.New(mem, slog.New(slog.DiscardHandler))
	old, err := r.Insert(addrA, plug(t, mem), xbox360.InputState{})
	require.NoError(t, err)
	current, err := r.Insert(addrA, plug(t, mem), xbox360.InputState{})
	require.NoError(t, err)
	require.NotEqual(t, old, current)

	assert.False(t, r.RemoveSession(addrA, old))
	assert.True(t, r.Has(addrA))
	assert.Equal(t, 1, mem.Live())

	assert.True(t, r.RemoveSession(addrA, current))
	assert.False(t, r.Has(addrA))
	assert.Equal(t, 0, mem.Live())
	assert.False(t, r.RemoveSession(addrA, current))
}

func TestCloseTearsDownAll(t *testing.T) {
	mem := driver.NewMemory(nil)
	r := registry.New(mem, slog.New(slog.DiscardHandler))
	_, err := r.Insert(addrA, plug(t, mem), xbox360.InputState{})
	require.NoError(t, err)
	_, err = r.Insert(addrB, plug(t, mem), xbox360.InputState{})
	require.NoError(t, err)

	r.Close()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, mem.Live())

	_, err = r.Insert(addrA, plug(t, mem), xbox360.InputState{})
	assert.ErrorIs(t, err, registry.ErrClosed)
	assert.Equal(t, 0, mem.Live())
}

// gatedBinding blocks pushes for one device until the gate is closed.
type gatedBinding struct {
	*driver.Memory
	blockID string
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedBinding) PushState(h driver.Handle, s xbox360.InputState) error {
	if h.ID() == g.blockID && s.Buttons != 0 {
		g.once.Do(func() { close(g.entered) })
		<-g.gate
	}
	return g.Memory.PushState(h, s)
}

func TestDistinctEntriesDoNotBlock(t *testing.T) {
	mem := driver.NewMemory(nil)
	g := &gatedBinding{Memory: mem, entered: make(chan struct{}), gate: make(chan struct{})}
	r := registry.New(g, slog.New(slog.DiscardHandler))

	ha := plug(t, mem)
	hb := plug(t, mem)
	g.blockID = ha.ID()
	_, err := r.Insert(addrA, ha, xbox360.InputState{})
	require.NoError(t, err)
	_, err = r.Insert(addrB, hb, xbox360.InputState{})
	require.NoError(t, err)

	go r.WithEntry(addrA, func(s *xbox360.InputState) { s.Press(xbox360.ButtonA) })
	<-g.entered

	done := make(chan struct{})
	go func() {
		r.WithEntry(addrB, func(s *xbox360.InputState) { s.Press(xbox360.ButtonB) })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transition on B waited for A")
	}
	close(g.gate)

	assert.Eventually(t, func() bool {
		st, _ := mem.State(ha)
		return st.Buttons == xbox360.ButtonA
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentTransitions(t *testing.T) {
	mem := driver.NewMemory(nil)
	r := registry.New(mem, slog.New(slog.DiscardHandler))
	h := plug(t, mem)
	_, err := r.Insert(addrA, h, xbox360.InputState{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.WithEntry(addrA, func(s *xbox360.InputState) { s.SetStick(xbox360.Left, int16(i), int16(i)) })
		}()
	}
	wg.Wait()

	st, _ := mem.State(h)
	got, _ := r.Lookup(addrA)
	assert.Equal(t, got, st)
	assert.Equal(t, st.LX, st.LY)
}
