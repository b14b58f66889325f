package server

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/geowatch/internal/geo"
)

// frame decodes both replies and events.
type frame struct {
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *apiError       `json:"error"`
	Event   string          `json:"event"`
	WatchID geo.WatchID     `json:"watchId"`
	Data    json.RawMessage `json:"data"`
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial(t *testing.T) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(req map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(req))
}

func (c *wsClient) next() frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	return f
}

// reply skips events until the reply to id arrives.
func (c *wsClient) reply(id int64) frame {
	c.t.Helper()
	for {
		f := c.next()
		if f.Event == "" && f.ID == id {
			return f
		}
	}
}

// event skips replies until an event of kind arrives.
func (c *wsClient) event(kind string) frame {
	c.t.Helper()
	for {
		f := c.next()
		if f.Event == kind {
			return f
		}
	}
}

func (c *wsClient) watchID(f frame) geo.WatchID {
	c.t.Helper()
	require.Nil(c.t, f.Error)
	var res struct {
		WatchID geo.WatchID `json:"watchId"`
	}
	require.NoError(c.t, json.Unmarshal(f.Result, &res))
	require.NotZero(c.t, res.WatchID)
	return res.WatchID
}

func (c *wsClient) cleared(f frame) bool {
	c.t.Helper()
	var res struct {
		Cleared bool `json:"cleared"`
	}
	require.NoError(c.t, json.Unmarshal(f.Result, &res))
	return res.Cleared
}

func TestWebSocketWatchPositionLifecycle(t *testing.T) {
	env := newEnv(t, "granted")
	c := env.dial(t)

	c.send(map[string]any{"id": 1, "op": "watchPosition", "options": map[string]any{"accuracy": 4}})
	id := c.watchID(c.reply(1))

	require.Eventually(t, func() bool { return len(env.provider.activePositions()) == 1 }, time.Second, 5*time.Millisecond)
	env.provider.emitPosition(t, fix(43.65, -79.38))

	ev := c.event("position")
	assert.Equal(t, id, ev.WatchID)
	var sample geo.PositionSample
	require.NoError(t, json.Unmarshal(ev.Data, &sample))
	assert.Equal(t, 43.65, sample.Coords.Latitude)

	c.send(map[string]any{"id": 2, "op": "clearWatch", "watchId": id})
	assert.True(t, c.cleared(c.reply(2)))
	assert.Equal(t, 1, env.provider.stopCount(id))
	assert.False(t, env.loc.Positions().Subscribed())

	c.send(map[string]any{"id": 3, "op": "clearWatch", "watchId": id})
	assert.False(t, c.cleared(c.reply(3)))
	assert.Equal(t, 1, env.provider.stopCount(id))
}

func TestWebSocketWatchPositionDenied(t *testing.T) {
	env := newEnv(t, "denied")
	c := env.dial(t)

	c.send(map[string]any{"id": 1, "op": "watchPosition"})
	id := c.watchID(c.reply(1))

	ev := c.event("error")
	assert.Equal(t, id, ev.WatchID)
	require.NotNil(t, ev.Error)
	assert.Equal(t, "permission_denied", ev.Error.Code)
	assert.Contains(t, ev.Error.Message, "not granted")
	assert.True(t, env.loc.Registry().IsEmpty())
	assert.Empty(t, env.provider.activePositions())

	// The failed watch is no longer owned by the session.
	c.send(map[string]any{"id": 2, "op": "clearWatch", "watchId": id})
	assert.False(t, c.cleared(c.reply(2)))
}

func TestWebSocketGetCurrentPosition(t *testing.T) {
	env := newEnv(t, "granted")
	sample := fix(10, 20)
	env.provider.autoFix = &sample
	c := env.dial(t)

	c.send(map[string]any{"id": 7, "op": "getCurrentPosition"})
	f := c.reply(7)
	require.Nil(t, f.Error)
	var got geo.PositionSample
	require.NoError(t, json.Unmarshal(f.Result, &got))
	assert.Equal(t, sample, got)
}

func TestWebSocketGetCurrentPositionDenied(t *testing.T) {
	env := newEnv(t, "denied")
	c := env.dial(t)

	c.send(map[string]any{"id": 1, "op": "getCurrentPosition"})
	f := c.reply(1)
	require.NotNil(t, f.Error)
	assert.Equal(t, "permission_denied", f.Error.Code)
}

func TestWebSocketWatchHeadingReplacement(t *testing.T) {
	env := newEnv(t, "granted")
	a := env.dial(t)
	b := env.dial(t)

	a.send(map[string]any{"id": 1, "op": "watchHeading"})
	first := a.watchID(a.reply(1))
	b.send(map[string]any{"id": 1, "op": "watchHeading"})
	second := b.watchID(b.reply(1))

	assert.Greater(t, second, first)
	assert.Equal(t, 1, env.provider.stopCount(first))
	active, ok := env.loc.Headings().Active()
	require.True(t, ok)
	assert.Equal(t, second, active)

	// Clearing the replaced watch is a no-op.
	a.send(map[string]any{"id": 2, "op": "clearWatch", "watchId": first})
	a.reply(2)
	assert.Equal(t, 1, env.provider.stopCount(first))
	assert.Equal(t, 1, env.provider.activeHeadings())
}

func TestWebSocketCloseRemovesWatches(t *testing.T) {
	env := newEnv(t, "granted")
	c := env.dial(t)

	c.send(map[string]any{"id": 1, "op": "watchPosition"})
	pos := c.watchID(c.reply(1))
	c.send(map[string]any{"id": 2, "op": "watchHeading"})
	hdg := c.watchID(c.reply(2))
	require.Eventually(t, func() bool { return len(env.provider.activePositions()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool {
		return env.loc.Registry().IsEmpty() &&
			env.provider.stopCount(pos) == 1 &&
			env.provider.stopCount(hdg) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, env.loc.Positions().Subscribed())
	assert.False(t, env.loc.Headings().Subscribed())
}

func TestWebSocketStatusAndPermission(t *testing.T) {
	env := newEnv(t, "")
	c := env.dial(t)

	c.send(map[string]any{"id": 1, "op": "status"})
	f := c.reply(1)
	require.Nil(t, f.Error)
	var st statusResponse
	require.NoError(t, json.Unmarshal(f.Result, &st))
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, geo.PermissionUndetermined, st.Permission)

	c.send(map[string]any{"id": 2, "op": "requestPermission"})
	f = c.reply(2)
	require.Nil(t, f.Error)
	assert.JSONEq(t, `{"status":"granted"}`, string(f.Result))

	c.send(map[string]any{"id": 3, "op": "lastKnownPosition"})
	f = c.reply(3)
	require.Nil(t, f.Error)
	assert.Equal(t, "null", string(f.Result))
}

func TestWebSocketBadRequests(t *testing.T) {
	env := newEnv(t, "granted")
	c := env.dial(t)

	c.send(map[string]any{"id": 1, "op": "teleport"})
	f := c.reply(1)
	require.NotNil(t, f.Error)
	assert.Equal(t, "bad_request", f.Error.Code)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f = c.reply(0)
	require.NotNil(t, f.Error)
	assert.Equal(t, "bad_request", f.Error.Code)
}

func TestWebSocketOneShotRequestsTimeOut(t *testing.T) {
	env := newEnv(t, "granted", func(s *Server) { s.oneShotWait = 50 * time.Millisecond })
	c := env.dial(t)

	c.send(map[string]any{"id": 1, "op": "getHeading"})
	f := c.reply(1)
	require.NotNil(t, f.Error)
	assert.Equal(t, "timeout", f.Error.Code)

	c.send(map[string]any{"id": 2, "op": "getCurrentPosition"})
	f = c.reply(2)
	require.NotNil(t, f.Error)
	assert.Equal(t, "timeout", f.Error.Code)

	require.Eventually(t, func() bool { return env.loc.Registry().IsEmpty() }, time.Second, 5*time.Millisecond)
	_, active := env.loc.Headings().Active()
	assert.False(t, active)
}
