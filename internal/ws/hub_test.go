package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/job-autopilot/internal/types"
)

// fakeConn records sent payloads and can be told to fail.
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	sendErr  error
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.messages = append(c.messages, data)
	return nil
}

func (c *fakeConn) received() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, raw := range c.messages {
		var msg map[string]any
		if json.Unmarshal(raw, &msg) == nil {
			out = append(out, msg)
		}
	}
	return out
}

func TestHub_SubscribeAndBroadcast(t *testing.T) {
	hub := NewHub()
	conn := &fakeConn{}

	hub.HandleMessage(conn, []byte(`{"type":"subscribe","runId":"run-1"}`))
	assert.Equal(t, 1, hub.Subscribers("run-1"))

	hub.BroadcastProgress("run-1", types.ProgressEvent{Type: "progress", Action: "navigate"})

	msgs := conn.received()
	require.Len(t, msgs, 2)
	assert.Equal(t, "subscribed", msgs[0]["type"])
	assert.Equal(t, "run-1", msgs[0]["runId"])
	assert.Equal(t, "progress", msgs[1]["type"])
	assert.Equal(t, "run-1", msgs[1]["runId"])
	assert.Equal(t, "navigate", msgs[1]["action"])
}

func TestHub_BroadcastOnlyReachesSubscribers(t *testing.T) {
	hub := NewHub()
	subscribed := &fakeConn{}
	other := &fakeConn{}

	hub.Subscribe("run-1", subscribed)
	hub.Subscribe("run-2", other)

	hub.BroadcastProgress("run-1", types.ProgressEvent{Type: "progress"})

	assert.Len(t, subscribed.received(), 1)
	assert.Empty(t, other.received())
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()
	conn := &fakeConn{}

	hub.Subscribe("run-1", conn)
	hub.HandleMessage(conn, []byte(`{"type":"unsubscribe","runId":"run-1"}`))
	assert.Equal(t, 0, hub.Subscribers("run-1"))

	hub.BroadcastProgress("run-1", types.ProgressEvent{Type: "progress"})
	assert.Empty(t, conn.received())
}

func TestHub_DropRemovesAllSubscriptions(t *testing.T) {
	hub := NewHub()
	conn := &fakeConn{}

	hub.Subscribe("run-1", conn)
	hub.Subscribe("run-2", conn)
	hub.Drop(conn)

	assert.Equal(t, 0, hub.Subscribers("run-1"))
	assert.Equal(t, 0, hub.Subscribers("run-2"))
}

func TestHub_MalformedMessagesIgnored(t *testing.T) {
	hub := NewHub()
	conn := &fakeConn{}

	hub.HandleMessage(conn, []byte(`not json`))
	hub.HandleMessage(conn, []byte(`{"type":"subscribe"}`))
	hub.HandleMessage(conn, []byte(`{"type":"launch_missiles","runId":"run-1"}`))

	assert.Equal(t, 0, hub.Subscribers("run-1"))
	assert.Empty(t, conn.received())
}

func TestHub_DeadConnectionsArePruned(t *testing.T) {
	hub := NewHub()
	dead := &fakeConn{sendErr: errors.New("broken pipe")}
	alive := &fakeConn{}

	hub.Subscribe("run-1", dead)
	hub.Subscribe("run-1", alive)

	hub.BroadcastProgress("run-1", types.ProgressEvent{Type: "progress"})

	assert.Equal(t, 1, hub.Subscribers("run-1"))
	assert.Len(t, alive.received(), 1)
}

func TestHub_ConcurrentUse(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := &fakeConn{}
			hub.Subscribe("run-1", conn)
			hub.BroadcastProgress("run-1", types.ProgressEvent{Type: "progress"})
			hub.Drop(conn)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, hub.Subscribers("run-1"))
}
