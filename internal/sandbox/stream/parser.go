// Package stream parses the sentinel-delimited JSON stream a sandbox
// writes to stdout and tracks the two timeout classes that govern a
// run. The parser never kills anything itself; it only reports.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/burrowhq/burrow/internal/common/clock"
	"github.com/burrowhq/burrow/internal/common/logger"
)

// Sentinel markers delimiting one streamed JSON object on stdout.
const (
	StartMarker = "===BURROW_MSG_START==="
	EndMarker   = "===BURROW_MSG_END==="
)

// TimeoutKind distinguishes the two timers sharing one callback.
type TimeoutKind string

const (
	// TimeoutStartup fires when no stderr bytes arrive at all, the
	// heuristic for a process that never actually started.
	TimeoutStartup TimeoutKind = "startup"

	// TimeoutTurn fires when no chunk is parsed for a full turn window.
	TimeoutTurn TimeoutKind = "turn"
)

// Chunk is one parsed streamed object. Raw carries the exact JSON for
// consumers that need fields beyond the envelope.
type Chunk struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Text      string          `json:"text"`
	Raw       json.RawMessage `json:"-"`
}

// Config configures one Parser. OnTimeout is required; OnChunk may be
// nil when the caller only wants the final buffered output.
type Config struct {
	TurnTimeout    time.Duration
	StartupTimeout time.Duration
	MaxOutputSize  int
	OnChunk        func(Chunk)
	OnTimeout      func(TimeoutKind)
	Clock          clock.Clock
	Logger         *logger.Logger
}

// Parser accumulates a sandbox's stdout/stderr, extracts complete
// sentinel spans, and dispatches them to OnChunk in arrival order from
// a single goroutine.
type Parser struct {
	cfg Config

	mu              sync.Mutex
	parseBuf        []byte
	stdoutBuf       bytes.Buffer
	stderrBuf       bytes.Buffer
	stdoutTruncated bool
	stderrTruncated bool
	sawStderr       bool
	hadStreaming    bool
	timedOut        bool
	sessionID       string
	closed          bool

	startupTimer clock.Timer
	turnTimer    clock.Timer

	queue []Chunk
	cond  *sync.Cond
	done  chan struct{}
}

// NewParser starts the dispatch goroutine and arms both timers.
func NewParser(cfg Config) *Parser {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	p := &Parser{
		cfg:  cfg,
		done: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.startupTimer = cfg.Clock.AfterFunc(cfg.StartupTimeout, func() {
		p.fireTimeout(TimeoutStartup)
	})
	p.turnTimer = cfg.Clock.AfterFunc(cfg.TurnTimeout, func() {
		p.fireTimeout(TimeoutTurn)
	})

	go p.dispatch()
	return p
}

// FeedStdout ingests a raw stdout fragment. Fragment boundaries are
// arbitrary; a marker split across two calls parses identically to an
// unsplit delivery.
func (p *Parser) FeedStdout(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.accumulate(&p.stdoutBuf, &p.stdoutTruncated, data)
	p.parseBuf = append(p.parseBuf, data...)
	p.extractChunks()
}

// FeedStderr ingests a raw stderr fragment. The first byte cancels the
// startup timer.
func (p *Parser) FeedStderr(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	if !p.sawStderr && len(data) > 0 {
		p.sawStderr = true
		p.startupTimer.Stop()
	}
	p.accumulate(&p.stderrBuf, &p.stderrTruncated, data)
}

// accumulate appends data to buf up to MaxOutputSize. The truncated
// flag is monotonic: once set it stays set.
func (p *Parser) accumulate(buf *bytes.Buffer, truncated *bool, data []byte) {
	room := p.cfg.MaxOutputSize - buf.Len()
	if room <= 0 {
		if len(data) > 0 {
			*truncated = true
		}
		return
	}
	if len(data) > room {
		data = data[:room]
		*truncated = true
	}
	buf.Write(data)
}

// extractChunks pulls every complete START...END span out of the parse
// buffer. Called with p.mu held.
func (p *Parser) extractChunks() {
	for {
		start := bytes.Index(p.parseBuf, []byte(StartMarker))
		if start < 0 {
			// Keep a marker-length tail so a split START still matches.
			if keep := len(StartMarker) - 1; len(p.parseBuf) > keep {
				p.parseBuf = append(p.parseBuf[:0], p.parseBuf[len(p.parseBuf)-keep:]...)
			}
			return
		}

		rest := p.parseBuf[start+len(StartMarker):]
		end := bytes.Index(rest, []byte(EndMarker))
		if end < 0 {
			// Incomplete span: wait for more data.
			p.parseBuf = append(p.parseBuf[:0], p.parseBuf[start:]...)
			return
		}

		span := bytes.TrimSpace(rest[:end])
		p.parseBuf = append(p.parseBuf[:0], rest[end+len(EndMarker):]...)

		chunk, err := parseChunk(span)
		if err != nil {
			p.cfg.Logger.Warn("Skipping malformed stream chunk", zap.Error(err))
			continue
		}

		p.hadStreaming = true
		p.turnTimer.Reset(p.cfg.TurnTimeout)
		if chunk.SessionID != "" {
			p.sessionID = chunk.SessionID
		}

		p.queue = append(p.queue, chunk)
		p.cond.Signal()
	}
}

func parseChunk(span []byte) (Chunk, error) {
	var chunk Chunk
	if err := json.Unmarshal(span, &chunk); err != nil {
		return Chunk{}, err
	}
	chunk.Raw = json.RawMessage(append([]byte(nil), span...))
	return chunk, nil
}

// dispatch delivers parsed chunks one at a time so OnChunk callbacks
// never overlap or reorder even under rapid delivery.
func (p *Parser) dispatch() {
	defer close(p.done)

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		chunk := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if p.cfg.OnChunk != nil {
			p.cfg.OnChunk(chunk)
		}
	}
}

func (p *Parser) fireTimeout(kind TimeoutKind) {
	p.mu.Lock()
	if p.closed || p.timedOut {
		p.mu.Unlock()
		return
	}
	p.timedOut = true
	p.mu.Unlock()

	if p.cfg.OnTimeout != nil {
		p.cfg.OnTimeout(kind)
	}
}

// ErrNoFinalOutput reports that the buffered stdout held nothing
// parseable at process exit.
var ErrNoFinalOutput = errors.New("no parseable final output")

// FinalResult is the non-streaming fallback, run once at process exit.
// If sentinel markers appear in the buffered stdout the span between
// them wins; otherwise the last non-empty line must parse as JSON.
func (p *Parser) FinalResult() (json.RawMessage, error) {
	p.mu.Lock()
	out := p.stdoutBuf.String()
	p.mu.Unlock()

	var candidate string
	if start := strings.Index(out, StartMarker); start >= 0 {
		rest := out[start+len(StartMarker):]
		end := strings.Index(rest, EndMarker)
		if end < 0 {
			return nil, ErrNoFinalOutput
		}
		candidate = strings.TrimSpace(rest[:end])
	} else {
		lines := strings.Split(out, "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			if line := strings.TrimSpace(lines[i]); line != "" {
				candidate = line
				break
			}
		}
	}

	if candidate == "" {
		return nil, ErrNoFinalOutput
	}
	if !json.Valid([]byte(candidate)) {
		return nil, ErrNoFinalOutput
	}
	return json.RawMessage(candidate), nil
}

// Close stops both timers and drains the dispatch queue before
// returning, so no OnChunk callback runs after Close.
func (p *Parser) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.startupTimer.Stop()
	p.turnTimer.Stop()
	p.cond.Broadcast()
	p.mu.Unlock()

	<-p.done
}

// SessionID returns the most recent session id seen in a chunk.
func (p *Parser) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// TimedOut reports whether either timer fired.
func (p *Parser) TimedOut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timedOut
}

// HadStreamingOutput reports whether at least one chunk parsed.
func (p *Parser) HadStreamingOutput() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hadStreaming
}

// Stdout returns the buffered stdout and its truncation flag.
func (p *Parser) Stdout() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdoutBuf.String(), p.stdoutTruncated
}

// Stderr returns the buffered stderr and its truncation flag.
func (p *Parser) Stderr() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderrBuf.String(), p.stderrTruncated
}
