package viiper

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xpalm/xpalm/device/xbox360"
)

// fakeServer is a small stand-in for the VIIPER API: buses, xbox360 devices and
// device streams, with an optional password.
type fakeServer struct {
	t        *testing.T
	ln       net.Listener
	password string

	mu      sync.Mutex
	buses   map[uint32]map[string]bool
	nextDev uint32
	states  chan xbox360.InputState
	streams map[string]net.Conn
	reqs    []string
}

func startFakeServer(t *testing.T, password string, buses ...uint32) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{
		t:        t,
		ln:       ln,
		password: password,
		buses:    make(map[uint32]map[string]bool),
		states:   make(chan xbox360.InputState, 64),
		streams:  make(map[string]net.Conn),
	}
	for _, b := range buses {
		s.buses[b] = make(map[string]bool)
	}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeServer) Addr() string { return s.ln.Addr().String() }

func (s *fakeServer) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reqs...)
}

func (s *fakeServer) devices(bus uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buses[bus])
}

func (s *fakeServer) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(c)
	}
}

func (s *fakeServer) handle(raw net.Conn) {
	var conn net.Conn = raw
	r := bufio.NewReader(raw)
	if s.password != "" {
		sc, sr, err := acceptHandshake(raw, r, s.password)
		if err != nil {
			raw.Close()
			return
		}
		conn = sc
		r = bufio.NewReader(sr)
	}

	req, err := r.ReadString('\x00')
	if err != nil {
		conn.Close()
		return
	}
	req = strings.TrimSuffix(req, "\x00")
	path, payload, _ := strings.Cut(req, " ")

	s.mu.Lock()
	s.reqs = append(s.reqs, path)
	s.mu.Unlock()

	var busID uint32
	var devID string
	switch {
	case path == "ping":
		s.reply(conn, `{"server":"fake","version":"0"}`)
	case path == "bus/list":
		s.mu.Lock()
		ids := make([]uint32, 0, len(s.buses))
		for id := range s.buses {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		b, _ := json.Marshal(BusListResponse{Buses: ids})
		s.reply(conn, string(b))
	case path == "bus/create":
		var id uint32
		fmt.Sscanf(payload, "%d", &id)
		s.mu.Lock()
		_, exists := s.buses[id]
		if !exists {
			s.buses[id] = make(map[string]bool)
		}
		s.mu.Unlock()
		if exists {
			s.reply(conn, `{"status":409,"title":"Conflict","detail":"bus exists"}`)
			return
		}
		s.reply(conn, fmt.Sprintf(`{"busId":%d}`, id))
	case scan(path, "bus/%d/add", &busID):
		var req deviceCreateRequest
		_ = json.Unmarshal([]byte(payload), &req)
		s.mu.Lock()
		bus, ok := s.buses[busID]
		if ok {
			s.nextDev++
			devID = fmt.Sprintf("%d", s.nextDev)
			bus[devID] = true
		}
		s.mu.Unlock()
		if !ok {
			s.reply(conn, `{"status":404,"title":"Not Found","detail":"bus not found"}`)
			return
		}
		s.reply(conn, fmt.Sprintf(`{"busId":%d,"devId":%q,"vid":"0x045e","pid":"0x028e","type":%q}`, busID, devID, req.Type))
	case scan(path, "bus/%d/remove", &busID):
		s.mu.Lock()
		delete(s.buses[busID], payload)
		st := s.streams[payload]
		s.mu.Unlock()
		if st != nil {
			st.Close()
		}
		s.reply(conn, fmt.Sprintf(`{"busId":%d,"devId":%q}`, busID, payload))
	case scan(path, "bus/%d/%s", &busID, &devID):
		s.mu.Lock()
		s.streams[devID] = conn
		s.mu.Unlock()
		buf := make([]byte, xbox360.StreamStateSize)
		for {
			if _, err := io.ReadFull(r, buf); err != nil {
				conn.Close()
				return
			}
			var st xbox360.InputState
			_ = st.UnmarshalBinary(buf)
			s.states <- st
		}
	default:
		s.reply(conn, `{"status":404,"title":"Not Found","detail":"unknown path"}`)
	}
}

func scan(path, format string, args ...any) bool {
	n, err := fmt.Sscanf(path, format, args...)
	return err == nil && n == len(args)
}

func (s *fakeServer) reply(conn net.Conn, body string) {
	_, _ = conn.Write([]byte(body + "\n"))
	_ = conn.Close()
}

// acceptHandshake is the server half of secure.
func acceptHandshake(conn net.Conn, r *bufio.Reader, password string) (net.Conn, io.Reader, error) {
	key, err := deriveKey(password)
	if err != nil {
		return nil, nil, err
	}
	magic := make([]byte, len(handshakeMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != handshakeMagic {
		return nil, nil, fmt.Errorf("bad magic")
	}
	clientNonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(r, clientNonce); err != nil {
		return nil, nil, err
	}
	proof := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, proof); err != nil {
		return nil, nil, err
	}
	if !hmac.Equal(proof, clientProof(key, clientNonce)) {
		return nil, nil, fmt.Errorf("bad proof")
	}
	serverNonce := make([]byte, nonceSize)
	_, _ = rand.Read(serverNonce)
	if _, err := conn.Write(append([]byte(handshakeOK), serverNonce...)); err != nil {
		return nil, nil, err
	}
	sc, err := newSealedConn(conn, r, deriveSessionKey(key, serverNonce, clientNonce))
	if err != nil {
		return nil, nil, err
	}
	return sc, sc, nil
}
