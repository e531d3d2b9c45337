package ssebus

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/corelog"
)

func TestSubscribe_ReceivesSentEvent(t *testing.T) {
	b := New(corelog.Nop())
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Send(Event{Type: EventText, Data: map[string]any{"delta": "hi"}})

	select {
	case ev := <-ch:
		assert.Equal(t, EventText, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestSubscribe_CancelUnregisters(t *testing.T) {
	b := New(corelog.Nop())
	_, cancel := b.Subscribe()
	require.Equal(t, 1, b.ConnectionCount())
	cancel()
	assert.Equal(t, 0, b.ConnectionCount())
}

func TestSend_SlowClientMissesEventsNotBlocking(t *testing.T) {
	b := New(corelog.Nop())
	ch, cancel := b.Subscribe()
	defer cancel()

	// Fill the client's buffer without ever draining it.
	for i := 0; i < clientBuffer+10; i++ {
		b.Send(Event{Type: EventProgress, Data: i})
	}

	// Send must not have blocked (the test reaching here proves that); the
	// channel should still be open with at most clientBuffer buffered.
	assert.LessOrEqual(t, len(ch), clientBuffer)
}

func TestServeHTTP_StreamsEventsAsSSE(t *testing.T) {
	b := New(corelog.Nop())

	server := httptest.NewServer(http.HandlerFunc(b.ServeHTTP))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler a moment to register before sending.
	time.Sleep(20 * time.Millisecond)
	b.Send(Event{Type: EventDone, Data: map[string]any{"reason": "ok"}})

	reader := bufio.NewReader(resp.Body)
	var line string
	for i := 0; i < 20; i++ {
		l, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(l, "data: ") {
			line = l
			break
		}
	}
	assert.Contains(t, line, `"type":"done"`)
}

func TestConnectionCount_TracksMultipleClients(t *testing.T) {
	b := New(corelog.Nop())
	_, cancel1 := b.Subscribe()
	_, cancel2 := b.Subscribe()
	assert.Equal(t, 2, b.ConnectionCount())
	cancel1()
	assert.Equal(t, 1, b.ConnectionCount())
	cancel2()
	assert.Equal(t, 0, b.ConnectionCount())
}
