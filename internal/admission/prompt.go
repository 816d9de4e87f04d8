package admission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/term"
)

// Prompt asks an operator on a console. Requests are queued and asked one at a
// time. A single goroutine reads input lines, and only while a request is
// waiting: a line is given to the request whose question was on screen when the
// line was read, and lines typed before that question are dropped.
type Prompt struct {
	in     *countingReader
	out    io.Writer
	logger *slog.Logger

	// fd is the terminal file descriptor, or -1 when input is not a terminal.
	fd int

	mu     sync.Mutex
	once   sync.Once
	nextID uint64

	curMu sync.Mutex
	cur   uint64 // id of the request being asked, 0 when idle
	mark  int64  // input reads completed before cur was asked

	wake    chan struct{}
	answers chan answer
	done    chan struct{}
}

type answer struct {
	id   uint64
	line string
}

// countingReader counts reads that returned data.
type countingReader struct {
	r     io.Reader
	reads atomic.Int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 {
		c.reads.Add(1)
	}
	return n, err
}

// NewPrompt reads answers from in and writes questions to out.
func NewPrompt(in io.Reader, out io.Writer, logger *slog.Logger) *Prompt {
	return &Prompt{
		in:      &countingReader{r: in},
		out:     out,
		logger:  logger,
		fd:      -1,
		wake:    make(chan struct{}, 1),
		answers: make(chan answer),
		done:    make(chan struct{}),
	}
}

// NewConsolePrompt is NewPrompt that switches in to raw mode while asking when
// it is a terminal.
func NewConsolePrompt(in *os.File, out io.Writer, logger *slog.Logger) *Prompt {
	p := NewPrompt(in, out, logger)
	if fd := int(in.Fd()); term.IsTerminal(fd) {
		p.fd = fd
	}
	return p
}

func (p *Prompt) start() {
	go p.read()
}

func (p *Prompt) read() {
	defer close(p.done)

	var next func() (string, error)
	if p.fd >= 0 {
		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{p.in, p.out}, "> ")
		next = t.ReadLine
	} else {
		sc := bufio.NewScanner(p.in)
		next = func() (string, error) {
			if sc.Scan() {
				return sc.Text(), nil
			}
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
	}

	for range p.wake {
		for {
			line, err := next()
			if err != nil {
				return
			}
			id, waiting := p.claim()
			if id != 0 {
				p.answers <- answer{id: id, line: line}
				break
			}
			p.logger.Debug("Dropping admission input typed before the question", "line", line)
			if !waiting {
				break
			}
		}
	}
}

// claim returns the request a line just read belongs to, or 0 when the line
// was read before the current question was shown. waiting reports whether a
// request is still being asked.
func (p *Prompt) claim() (id uint64, waiting bool) {
	reads := p.in.reads.Load()
	p.curMu.Lock()
	defer p.curMu.Unlock()
	if p.cur == 0 {
		return 0, false
	}
	if reads <= p.mark {
		return 0, true
	}
	return p.cur, true
}

func (p *Prompt) setCurrent(id uint64) {
	p.curMu.Lock()
	p.cur = id
	p.mark = p.in.reads.Load()
	p.curMu.Unlock()
}

func (p *Prompt) ask() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Decide prints the request and waits for an answer. Input ending or ctx ending
// both yield Reject.
func (p *Prompt) Decide(ctx context.Context, addr netip.Addr) Decision {
	p.once.Do(p.start)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fd >= 0 {
		if old, err := term.MakeRaw(p.fd); err == nil {
			defer func() { _ = term.Restore(p.fd, old) }()
		} else {
			p.logger.Debug("failed to enter raw mode", "error", err)
		}
		flushInput(p.fd)
	}

	p.nextID++
	id := p.nextID
	p.setCurrent(id)
	defer p.setCurrent(0)

	fmt.Fprintf(p.out, "Incoming request from %s:\r\n  [a] Accept\r\n  [r] Reject\r\n  [b] Block (for this network session)\r\n", addr)
	p.ask()
	for {
		select {
		case <-ctx.Done():
			return Reject
		case <-p.done:
			p.logger.Warn("Admission input closed, rejecting", "remote", addr)
			return Reject
		case a := <-p.answers:
			if a.id != id {
				p.logger.Debug("Dropping answer to an earlier request", "line", a.line)
			} else if d, ok := parseAnswer(a.line); ok {
				return d
			} else {
				fmt.Fprintf(p.out, "Unrecognized answer %q\r\n", a.line)
			}
			p.ask()
		}
	}
}

func parseAnswer(s string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "accept", "1", "y", "yes":
		return Accept, true
	case "r", "reject", "2", "n", "no":
		return Reject, true
	case "b", "block", "3":
		return Block, true
	}
	return Reject, false
}
