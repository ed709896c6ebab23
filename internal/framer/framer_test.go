// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package framer

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/mcpgateway/internal/rpc"
)

// echoChild pretends to be a well-behaved MCP child: anything written to
// childStdinR is echoed back as a response on childStdoutW.
func echoChild(t *testing.T, childStdinR io.Reader, childStdoutW io.WriteCloser) {
	t.Helper()
	go func() {
		defer childStdoutW.Close()
		decoder := json.NewDecoder(childStdinR)
		for {
			var raw map[string]interface{}
			if err := decoder.Decode(&raw); err != nil {
				return
			}
			resp := map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      raw["id"],
				"result":  map[string]interface{}{"echo": raw["method"]},
			}
			data, _ := json.Marshal(resp)
			if _, err := fmt.Fprintf(childStdoutW, "%s\n", data); err != nil {
				return
			}
		}
	}()
}

func newFramerWithEchoChild(t *testing.T) (*Framer, func()) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	f := New("svc-1", stdinW, nil)

	ctx, cancel := context.WithCancel(context.Background())
	echoChild(t, stdinR, stdoutW)

	stderrR, stderrW := io.Pipe()
	done := make(chan struct{})
	go func() {
		f.Serve(ctx, stdoutR, stderrR)
		close(done)
	}()

	cleanup := func() {
		cancel()
		_ = stdinW.Close()
		_ = stderrW.Close()
		<-done
	}
	return f, cleanup
}

func TestFramer_SendReceivesCorrelatedResponse(t *testing.T) {
	f, cleanup := newFramerWithEchoChild(t)
	defer cleanup()

	req := rpc.Message{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Method: "ping"}
	sink, err := f.Send(context.Background(), req, time.Now().Add(time.Second))
	require.NoError(t, err)

	select {
	case resp := <-sink:
		assert.Equal(t, "2.0", resp.JSONRPC)
		assert.Nil(t, resp.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestFramer_DuplicatePendingIDRejected(t *testing.T) {
	f, cleanup := newFramerWithEchoChild(t)
	defer cleanup()

	req := rpc.Message{JSONRPC: "2.0", ID: json.RawMessage(`"dup"`), Method: "slow"}
	_, err := f.Send(context.Background(), req, time.Now().Add(5*time.Second))
	require.NoError(t, err)

	_, err = f.Send(context.Background(), req, time.Now().Add(5*time.Second))
	assert.Error(t, err)
}

func TestFramer_PendingCount(t *testing.T) {
	// No child reads the written requests here, so nothing ever answers
	// them; this isolates PendingCount from response-delivery timing.
	f := New("svc-pending", io.Discard, nil)

	assert.Equal(t, 0, f.PendingCount())

	req1 := rpc.Message{JSONRPC: "2.0", ID: json.RawMessage(`"p-1"`), Method: "noop"}
	sink1, err := f.Send(context.Background(), req1, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, f.PendingCount())

	req2 := rpc.Message{JSONRPC: "2.0", ID: json.RawMessage(`"p-2"`), Method: "noop"}
	_, err = f.Send(context.Background(), req2, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, f.PendingCount())

	f.ExpirePending(time.Now().Add(10 * time.Second))
	assert.Equal(t, 0, f.PendingCount())

	select {
	case resp := <-sink1:
		assert.NotNil(t, resp.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for expired pending delivery")
	}
}

func TestFramer_ExpirePendingTimesOut(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()
	_ = stdinR

	f := New("svc-timeout", stdinW, nil)

	req := rpc.Message{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Method: "never-answered"}
	sink, err := f.Send(context.Background(), req, time.Now().Add(-time.Millisecond))
	require.NoError(t, err)

	f.ExpirePending(time.Now())

	select {
	case resp := <-sink:
		require.NotNil(t, resp.Error)
	case <-time.After(time.Second):
		t.Fatal("expected expired pending request to be delivered")
	}
}

func TestFramer_NotificationDropOldest(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()
	_ = stdinR

	f := New("svc-notify", stdinW, nil, WithNotificationBuffer(2))

	for i := 0; i < 5; i++ {
		f.emitNotification(rpc.Message{JSONRPC: "2.0", Method: fmt.Sprintf("note-%d", i)})
	}

	assert.Equal(t, uint64(3), f.DroppedNotifications())
	assert.Len(t, f.Notifications(), 2)
}
