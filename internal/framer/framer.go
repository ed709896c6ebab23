// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package framer implements the per-child newline-delimited JSON-RPC 2.0
// codec that sits directly on top of a spawned process's stdio: one frame
// per line on stdin (writes) and stdout (reads), with stderr treated as a
// separate, unframed log stream.
package framer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tomtom215/mcpgateway/internal/gwerrors"
	"github.com/tomtom215/mcpgateway/internal/logging"
	"github.com/tomtom215/mcpgateway/internal/rpc"
)

// NotificationBufferSize is the default capacity of the bounded
// notification channel. Once full, the oldest buffered notification is
// dropped to make room for the newest.
const NotificationBufferSize = 256

// ErrDuplicateID indicates Send was called with a request id already
// outstanding. The supervisor retries once with a freshly allocated id
// rather than treating this as a caller error.
var ErrDuplicateID = errors.New("duplicate pending id")

// maxScanBuffer bounds a single line so one runaway child can't exhaust
// memory; MCP payloads are small JSON-RPC envelopes, not bulk data.
const maxScanBuffer = 4 * 1024 * 1024

// FailureHandler is invoked once, from the framer's own goroutine, when
// the transport can no longer be used — end of stream, a write failure,
// or too many consecutive unparsable lines.
type FailureHandler func(cause string)

// LogLine is one line of diagnostic output: a stderr line from the child,
// or a stdout line that failed to parse as JSON-RPC.
type LogLine struct {
	Text   string
	Stderr bool
}

type pendingEntry struct {
	sink     chan rpc.Message
	deadline time.Time
}

// Framer owns bidirectional JSON-RPC framing for a single child process.
// It is safe for concurrent use: many goroutines may call Send while the
// read loop runs in the background.
type Framer struct {
	serviceID string
	stdin     io.Writer
	writeMu   sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	notifications   chan rpc.Message
	droppedNotifyMu sync.Mutex
	droppedNotify   uint64

	logs chan LogLine

	onFailure FailureHandler

	closeOnce sync.Once
	closed    chan struct{}

	nextID   uint64
	nextIDMu sync.Mutex
}

// Option configures an optional Framer behavior.
type Option func(*Framer)

// WithNotificationBuffer overrides the default bounded notification
// channel capacity.
func WithNotificationBuffer(n int) Option {
	return func(f *Framer) {
		f.notifications = make(chan rpc.Message, n)
	}
}

// New constructs a Framer. stdout and stderr are consumed by background
// goroutines started from Serve; the caller must call Serve (typically in
// its own goroutine) for reads and failure detection to happen at all.
func New(serviceID string, stdin io.Writer, onFailure FailureHandler, opts ...Option) *Framer {
	f := &Framer{
		serviceID:     serviceID,
		stdin:         stdin,
		pending:       make(map[string]*pendingEntry),
		notifications: make(chan rpc.Message, NotificationBufferSize),
		logs:          make(chan LogLine, NotificationBufferSize),
		onFailure:     onFailure,
		closed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Serve runs the stdout and stderr read loops until either stream ends,
// the context is cancelled, or a terminal transport error occurs. It
// blocks until both loops have finished.
func (f *Framer) Serve(ctx context.Context, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		f.readStdout(ctx, stdout)
	}()
	go func() {
		defer wg.Done()
		f.readStderr(ctx, stderr)
	}()

	wg.Wait()
}

func (f *Framer) readStdout(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxScanBuffer)

	consecutiveParseFailures := 0
	const maxConsecutiveParseFailures = 50

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			f.failTransport("context cancelled")
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, kind, err := rpc.Parse(line)
		if err != nil {
			consecutiveParseFailures++
			f.emitLog(LogLine{Text: string(line)})
			if consecutiveParseFailures >= maxConsecutiveParseFailures {
				f.failTransport("too many consecutive unparsable lines")
				return
			}
			continue
		}
		consecutiveParseFailures = 0

		switch kind {
		case rpc.KindResponse:
			f.deliverResponse(msg)
		case rpc.KindNotification, rpc.KindRequest:
			f.emitNotification(msg)
		default:
			f.emitLog(LogLine{Text: string(line)})
		}
	}

	if err := scanner.Err(); err != nil {
		f.failTransport(fmt.Sprintf("stdout read error: %v", err))
		return
	}
	f.failTransport("stdout closed")
}

func (f *Framer) readStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxScanBuffer)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		f.emitLog(LogLine{Text: scanner.Text(), Stderr: true})
	}
}

// Send writes req to the child's stdin, registering a pending entry keyed
// by req.ID so the matching response can be correlated later. A req.ID
// that is already outstanding is rejected with an error wrapping
// ErrDuplicateID.
func (f *Framer) Send(ctx context.Context, req rpc.Message, deadline time.Time) (<-chan rpc.Message, error) {
	id := string(req.ID)

	sink := make(chan rpc.Message, 1)

	f.pendingMu.Lock()
	if _, exists := f.pending[id]; exists {
		f.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: %w %s", gwerrors.ErrInvalidRequest, ErrDuplicateID, id)
	}
	f.pending[id] = &pendingEntry{sink: sink, deadline: deadline}
	f.pendingMu.Unlock()

	data, err := rpc.Marshal(req)
	if err != nil {
		f.removePending(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if err := f.writeLine(data); err != nil {
		f.removePending(id)
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrTransportClosed, err)
	}

	return sink, nil
}

// NextID allocates a fresh monotonic request id, used by the supervisor
// when a caller's request omits one or supplies a duplicate.
func (f *Framer) NextID() string {
	f.nextIDMu.Lock()
	defer f.nextIDMu.Unlock()
	f.nextID++
	return fmt.Sprintf("gw-%d", f.nextID)
}

func (f *Framer) writeLine(data []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if _, err := f.stdin.Write(data); err != nil {
		return err
	}
	_, err := f.stdin.Write([]byte("\n"))
	return err
}

func (f *Framer) deliverResponse(msg rpc.Message) {
	id := string(msg.ID)
	entry := f.removePending(id)
	if entry == nil {
		logging.WithService(f.serviceID).Warn().
			Str("id", id).
			Msg("response with no matching pending request")
		return
	}
	entry.sink <- msg
	close(entry.sink)
}

// PendingCount returns the number of requests currently awaiting a
// correlated response.
func (f *Framer) PendingCount() int {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	return len(f.pending)
}

func (f *Framer) removePending(id string) *pendingEntry {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	entry, ok := f.pending[id]
	if !ok {
		return nil
	}
	delete(f.pending, id)
	return entry
}

// ExpirePending completes and removes any pending entry past its deadline
// with a timeout error. Called periodically by the supervisor.
func (f *Framer) ExpirePending(now time.Time) {
	var expired []*pendingEntry

	f.pendingMu.Lock()
	for id, entry := range f.pending {
		if now.After(entry.deadline) {
			expired = append(expired, entry)
			delete(f.pending, id)
		}
	}
	f.pendingMu.Unlock()

	for _, entry := range expired {
		entry.sink <- rpc.NewErrorResponse(nil, gwerrors.JSONRPCCode(gwerrors.ErrTimeout), gwerrors.ErrTimeout.Error())
		close(entry.sink)
	}
}

func (f *Framer) emitNotification(msg rpc.Message) {
	select {
	case f.notifications <- msg:
	default:
		// Drop the oldest buffered notification to make room, per the
		// bounded back-pressure contract.
		select {
		case <-f.notifications:
			f.droppedNotifyMu.Lock()
			f.droppedNotify++
			f.droppedNotifyMu.Unlock()
		default:
		}
		select {
		case f.notifications <- msg:
		default:
		}
	}
}

func (f *Framer) emitLog(line LogLine) {
	select {
	case f.logs <- line:
	default:
		select {
		case <-f.logs:
		default:
		}
		select {
		case f.logs <- line:
		default:
		}
	}
}

// Notifications returns the channel of server-initiated messages.
func (f *Framer) Notifications() <-chan rpc.Message { return f.notifications }

// Logs returns the channel of stderr lines and unparsable stdout lines.
func (f *Framer) Logs() <-chan LogLine { return f.logs }

// DroppedNotifications reports how many notifications have been dropped
// due to a slow consumer, for metrics.
func (f *Framer) DroppedNotifications() uint64 {
	f.droppedNotifyMu.Lock()
	defer f.droppedNotifyMu.Unlock()
	return f.droppedNotify
}

// failTransport completes every outstanding pending request with a
// transportClosed error and invokes the failure handler exactly once.
func (f *Framer) failTransport(cause string) {
	f.closeOnce.Do(func() {
		close(f.closed)

		f.pendingMu.Lock()
		pending := f.pending
		f.pending = make(map[string]*pendingEntry)
		f.pendingMu.Unlock()

		for _, entry := range pending {
			entry.sink <- rpc.NewErrorResponse(nil, gwerrors.JSONRPCCode(gwerrors.ErrTransportClosed), gwerrors.ErrTransportClosed.Error())
			close(entry.sink)
		}

		if f.onFailure != nil {
			f.onFailure(cause)
		}
	})
}
