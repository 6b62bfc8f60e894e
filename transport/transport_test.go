package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipes returns a stream plus the agent's ends of the two pipes.
func pipes(t *testing.T, wait Waiter) (*Stream, *io.PipeWriter, *bufio.Reader) {
	t.Helper()
	agentOutR, agentOutW := io.Pipe()
	agentInR, agentInW := io.Pipe()
	s := NewStream(agentOutR, agentInW, wait)
	t.Cleanup(func() {
		_ = s.Close()
		_ = agentOutW.Close()
		_ = agentInR.Close()
	})
	return s, agentOutW, bufio.NewReader(agentInR)
}

func receive(t *testing.T, s Transport) json.RawMessage {
	t.Helper()
	select {
	case msg, ok := <-s.Receive():
		require.True(t, ok, "receive channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestStreamSendWritesSingleLine(t *testing.T) {
	s, _, agentIn := pipes(t, nil)

	go func() {
		_ = s.Send(context.Background(), json.RawMessage("{\n  \"jsonrpc\": \"2.0\",\n  \"method\": \"x\"\n}"))
	}()

	line, err := agentIn.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"x"}`+"\n", line)
}

func TestStreamDropsMalformedLines(t *testing.T) {
	s, agentOut, _ := pipes(t, nil)

	go func() {
		fmt.Fprint(agentOut, "Loading model...\n\n{\"jsonrpc\":\"2.0\",\"method\":\"ok\"}\n")
	}()

	msg := receive(t, s)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ok"}`, string(msg))
}

func TestStreamSkipsOversizedLines(t *testing.T) {
	agentOutR, agentOutW := io.Pipe()
	_, agentInW := io.Pipe()
	s := NewStream(agentOutR, agentInW, nil, WithMaxFrame(1024))
	t.Cleanup(func() {
		_ = s.Close()
		_ = agentOutW.Close()
	})

	go func() {
		fmt.Fprintf(agentOutW, "{\"junk\":%q}\n", strings.Repeat("x", 200*1024))
		fmt.Fprint(agentOutW, "{\"jsonrpc\":\"2.0\",\"method\":\"ok\"}\n")
	}()

	msg := receive(t, s)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ok"}`, string(msg))
}

func TestStreamReportsExitCode(t *testing.T) {
	s, agentOut, _ := pipes(t, func() (int, error) { return 3, nil })

	require.NoError(t, agentOut.Close())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate")
	}
	var terr *acp.TransportError
	require.True(t, errors.As(s.Err(), &terr))
	assert.Equal(t, acp.ProcessExited, terr.Kind)
	assert.Equal(t, 3, terr.ExitCode)

	err := s.Send(context.Background(), json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, acp.ErrBrokenPipe))
}

func TestStreamDeliversFramesBeforeTermination(t *testing.T) {
	s, agentOut, _ := pipes(t, nil)

	go func() {
		fmt.Fprint(agentOut, "{\"id\":1}\n{\"id\":2}")
		agentOut.Close()
	}()

	assert.JSONEq(t, `{"id":1}`, string(receive(t, s)))
	assert.JSONEq(t, `{"id":2}`, string(receive(t, s)))
	<-s.Done()
	_, ok := <-s.Receive()
	assert.False(t, ok)
}

func TestStreamConcurrentSendsDoNotInterleave(t *testing.T) {
	s, _, agentIn := pipes(t, nil)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf(`{"id":%d,"params":{"text":%q}}`, i, strings.Repeat("x", 2000))
			assert.NoError(t, s.Send(context.Background(), json.RawMessage(payload)))
		}(i)
	}

	seen := map[int]bool{}
	for i := 0; i < n; i++ {
		line, err := agentIn.ReadBytes('\n')
		require.NoError(t, err)
		var msg struct {
			ID int `json:"id"`
		}
		require.NoError(t, json.Unmarshal(line, &msg))
		seen[msg.ID] = true
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestStreamRejectsInvalidOutboundJSON(t *testing.T) {
	s, _, _ := pipes(t, nil)
	err := s.Send(context.Background(), json.RawMessage(`{"broken"`))
	assert.True(t, errors.Is(err, acp.ErrMalformedFrame))
}

type recordingTracer struct {
	mu     sync.Mutex
	frames []string
}

func (r *recordingTracer) Trace(dir Direction, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(dir)+" "+string(frame))
}

func TestWebSocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// Echo back with junk in front, batched into one message.
			reply := append([]byte("not json\n"), data...)
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tracer := &recordingTracer{}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, err := DialWebSocket(context.Background(), url, nil, WithTracer(tracer))
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.Send(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","method":"ping"}`)))
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ping"}`, string(receive(t, ws)))

	tracer.mu.Lock()
	defer tracer.mu.Unlock()
	assert.Contains(t, tracer.frames, `--> {"jsonrpc":"2.0","method":"ping"}`)
}

func TestRelayCopiesBothWays(t *testing.T) {
	left, leftOut, leftIn := pipes(t, nil)
	right, rightOut, rightIn := pipes(t, nil)

	done := make(chan error, 1)
	go func() { done <- Relay(context.Background(), left, right) }()

	_, err := io.WriteString(leftOut, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n")
	require.NoError(t, err)
	line, err := rightIn.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n", line)

	_, err = io.WriteString(rightOut, `{"jsonrpc":"2.0","id":1,"result":{}}`+"\n")
	require.NoError(t, err)
	line, err = leftIn.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`+"\n", line)

	require.NoError(t, leftOut.Close())
	select {
	case err := <-done:
		var terr *acp.TransportError
		require.True(t, errors.As(err, &terr), "got %v", err)
		assert.Equal(t, acp.ProcessExited, terr.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
	select {
	case <-right.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("relay left the other side open")
	}
}
