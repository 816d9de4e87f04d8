package admission_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpalm/xpalm/internal/admission"
)

var client = netip.MustParseAddr("10.0.0.7")

// syncBuffer is a bytes.Buffer safe for the prompt writer and test reader.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestPromptAnswers(t *testing.T) {
	tests := []struct {
		input string
		want  admission.Decision
	}{
		{"a\n", admission.Accept},
		{"Accept\n", admission.Accept},
		{"r\n", admission.Reject},
		{"b\n", admission.Block},
		{"3\n", admission.Block},
		{"what\nyes\n", admission.Accept},
		{"", admission.Reject},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			out := &syncBuffer{}
			p := admission.NewPrompt(strings.NewReader(tt.input), out, slog.New(slog.DiscardHandler))
			assert.Equal(t, tt.want, p.Decide(context.Background(), client))
			assert.Contains(t, out.String(), "Incoming request from 10.0.0.7")
		})
	}
}

func TestPromptSerializesRequests(t *testing.T) {
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	p := admission.NewPrompt(pr, out, slog.New(slog.DiscardHandler))

	results := make(chan admission.Decision, 2)
	for range 2 {
		go func() { results <- p.Decide(context.Background(), client) }()
	}

	_, err := io.WriteString(pw, "a\n")
	require.NoError(t, err)
	_, err = io.WriteString(pw, "b\n")
	require.NoError(t, err)

	got := []admission.Decision{<-results, <-results}
	assert.ElementsMatch(t, []admission.Decision{admission.Accept, admission.Block}, got)
	assert.Equal(t, 2, strings.Count(out.String(), "Incoming request"))
	_ = pw.Close()
}

// waitAsked waits until the question for addr is on screen.
func waitAsked(t *testing.T, out *syncBuffer, addr netip.Addr) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Incoming request from "+addr.String())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPromptAnswerAfterCancelNotReused(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	p := admission.NewPrompt(pr, out, slog.New(slog.DiscardHandler))
	first, second := netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")

	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan admission.Decision, 1)
	go func() { res <- p.Decide(ctx, first) }()
	waitAsked(t, out, first)
	cancel()
	require.Equal(t, admission.Reject, <-res)

	// Typed for the request that went away.
	_, err := io.WriteString(pw, "a\n")
	require.NoError(t, err)

	go func() { res <- p.Decide(context.Background(), second) }()
	waitAsked(t, out, second)
	assert.Never(t, func() bool { return len(res) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	_, err = io.WriteString(pw, "b\n")
	require.NoError(t, err)
	select {
	case d := <-res:
		assert.Equal(t, admission.Block, d)
	case <-time.After(2 * time.Second):
		t.Fatal("second request was never answered")
	}
}

func TestPromptExtraLinesNotReused(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	p := admission.NewPrompt(pr, out, slog.New(slog.DiscardHandler))
	first, second := netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")

	res := make(chan admission.Decision, 1)
	go func() { res <- p.Decide(context.Background(), first) }()
	waitAsked(t, out, first)
	_, err := io.WriteString(pw, "a\na\n")
	require.NoError(t, err)
	require.Equal(t, admission.Accept, <-res)

	go func() { res <- p.Decide(context.Background(), second) }()
	waitAsked(t, out, second)
	assert.Never(t, func() bool { return len(res) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	_, err = io.WriteString(pw, "r\n")
	require.NoError(t, err)
	select {
	case d := <-res:
		assert.Equal(t, admission.Reject, d)
	case <-time.After(2 * time.Second):
		t.Fatal("second request was never answered")
	}
}

func TestPromptCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := admission.NewPrompt(pr, io.Discard, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Equal(t, admission.Reject, p.Decide(ctx, client))
}

func TestStatic(t *testing.T) {
	assert.Equal(t, admission.Accept, admission.Static(admission.Accept).Decide(context.Background(), client))
	assert.Equal(t, admission.Block, admission.Static(admission.Block).Decide(context.Background(), client))
}

func TestNew(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	d, err := admission.New(admission.Config{Mode: admission.ModeAccept}, logger)
	require.NoError(t, err)
	assert.Equal(t, admission.Accept, d.Decide(context.Background(), client))

	d, err = admission.New(admission.Config{Mode: admission.ModeReject}, logger)
	require.NoError(t, err)
	assert.Equal(t, admission.Reject, d.Decide(context.Background(), client))

	_, err = admission.New(admission.Config{Mode: "maybe"}, logger)
	assert.Error(t, err)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "accept", admission.Accept.String())
	assert.Equal(t, "reject", admission.Reject.String())
	assert.Equal(t, "block", admission.Block.String())
}
