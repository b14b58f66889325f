package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/geowatch/internal/geo"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	clearTimeout = 5 * time.Second
)

// request is a client frame on /ws.
type request struct {
	ID      int64             `json:"id"`
	Op      string            `json:"op"`
	Options *geo.WatchOptions `json:"options,omitempty"`
	WatchID geo.WatchID       `json:"watchId,omitempty"`
}

// reply answers exactly one request.
type reply struct {
	ID     int64     `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *apiError `json:"error,omitempty"`
}

// event carries watch deliveries. Error is set when a watch failed and has
// been removed.
type event struct {
	Event   string      `json:"event"` // "position", "heading" or "error"
	WatchID geo.WatchID `json:"watchId"`
	Data    any         `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

// session is one WebSocket client. Every watch it creates is removed when
// the connection closes.
type session struct {
	id   string
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	geo  *geo.Geolocation
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watches map[geo.WatchID]func(context.Context)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	sess := &session{
		id:      id,
		srv:     s,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		geo:     s.loc.Geolocation(ctx),
		log:     s.log.Named("ws").With(zap.String("session", id)),
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[geo.WatchID]func(context.Context)),
	}

	s.sessionsMu.Lock()
	s.sessions[id] = sess
	n := len(s.sessions)
	s.sessionsMu.Unlock()
	sess.log.Info("client connected", zap.Int("sessions", n))

	go sess.writeLoop()
	sess.readLoop()
	sess.close()
}

// closeSessions closes every open session.
func (s *Server) closeSessions() {
	s.sessionsMu.RLock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessionsMu.RUnlock()

	for _, sess := range open {
		sess.conn.Close()
	}
}

func (c *session) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.conn.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *session) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.emit(reply{Error: &apiError{Code: "bad_request", Message: err.Error()}})
			continue
		}
		c.dispatch(req)
	}
}

// close removes the session's watches and releases the connection.
func (c *session) close() {
	c.cancel()

	c.mu.Lock()
	clears := c.watches
	c.watches = make(map[geo.WatchID]func(context.Context))
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()
	for _, remove := range clears {
		remove(ctx)
	}

	c.srv.sessionsMu.Lock()
	delete(c.srv.sessions, c.id)
	n := len(c.srv.sessions)
	c.srv.sessionsMu.Unlock()

	c.conn.Close()
	c.log.Info("client disconnected", zap.Int("watches_removed", len(clears)), zap.Int("sessions", n))
}

// emit queues a frame for the writer. Frames for a slow client are dropped.
func (c *session) emit(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("encode frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		c.log.Debug("client too slow, frame dropped")
	}
}

func (c *session) respond(id int64, result any, err error) {
	if err != nil {
		_, body := toAPIError(err)
		c.emit(reply{ID: id, Error: &body})
		return
	}
	c.emit(reply{ID: id, Result: result})
}

func (c *session) dispatch(req request) {
	opts := geo.WatchOptions{}
	if req.Options != nil {
		opts = *req.Options
	}

	switch req.Op {
	case "status":
		go func() {
			st, err := c.srv.status(c.ctx)
			c.respond(req.ID, st, err)
		}()

	case "requestPermission":
		go func() {
			status, err := c.srv.loc.RequestPermissions(c.ctx)
			c.respond(req.ID, map[string]any{"status": status}, err)
		}()

	case "getCurrentPosition":
		ctx, cancel := context.WithTimeout(c.ctx, c.srv.oneShotWait)
		c.srv.loc.Geolocation(ctx).GetCurrentPosition(
			func(p geo.PositionSample) {
				cancel()
				c.respond(req.ID, p, nil)
			},
			func(err error) {
				cancel()
				c.respond(req.ID, nil, err)
			},
			&opts,
		)

	case "lastKnownPosition":
		go func() {
			if err := c.srv.requirePermission(c.ctx); err != nil {
				c.respond(req.ID, nil, err)
				return
			}
			p, err := c.srv.loc.LastKnownPosition(c.ctx)
			c.respond(req.ID, p, err)
		}()

	case "getHeading":
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, c.srv.oneShotWait)
			defer cancel()
			if err := c.srv.requirePermission(ctx); err != nil {
				c.respond(req.ID, nil, err)
				return
			}
			h, err := c.srv.loc.Heading(ctx)
			c.respond(req.ID, h, err)
		}()

	case "watchPosition":
		c.watchPosition(req.ID, opts)

	case "watchHeading":
		go c.watchHeading(req.ID)

	case "clearWatch":
		c.respond(req.ID, map[string]bool{"cleared": c.clearWatch(req.WatchID)}, nil)

	default:
		c.emit(reply{ID: req.ID, Error: &apiError{Code: "bad_request", Message: "unknown op " + req.Op}})
	}
}

// watchPosition answers with the watch id right away. A later permission
// or provider failure arrives as an error event for that id.
func (c *session) watchPosition(reqID int64, opts geo.WatchOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Samples can arrive before WatchPosition returns.
	var ref atomic.Uint64
	id := c.geo.WatchPosition(
		func(p geo.PositionSample) {
			c.emit(event{Event: "position", WatchID: geo.WatchID(ref.Load()), Data: p})
		},
		func(err error) {
			id := geo.WatchID(ref.Load())
			c.forget(id)
			_, body := toAPIError(err)
			c.emit(event{Event: "error", WatchID: id, Error: &body})
		},
		&opts,
	)
	ref.Store(uint64(id))
	c.watches[id] = func(context.Context) { c.geo.ClearWatch(id) }
	c.respond(reqID, map[string]geo.WatchID{"watchId": id}, nil)
}

func (c *session) watchHeading(reqID int64) {
	if err := c.srv.requirePermission(c.ctx); err != nil {
		c.respond(reqID, nil, err)
		return
	}
	var ref atomic.Uint64
	sub, err := c.srv.loc.WatchHeading(c.ctx, func(h geo.HeadingSample) {
		c.emit(event{Event: "heading", WatchID: geo.WatchID(ref.Load()), Data: h})
	})
	if err != nil {
		c.respond(reqID, nil, err)
		return
	}
	id := sub.ID()
	ref.Store(uint64(id))

	remove := func(ctx context.Context) {
		if err := sub.Remove(ctx); err != nil {
			c.log.Warn("remove heading watch", zap.Uint64("watch_id", uint64(id)), zap.Error(err))
		}
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		// The session closed while the provider was starting.
		c.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
		defer cancel()
		remove(ctx)
		return
	}
	c.watches[id] = remove
	c.mu.Unlock()
	c.respond(reqID, map[string]geo.WatchID{"watchId": id}, nil)
}

// clearWatch removes a watch owned by this session. Ids the session does
// not own, including already cleared ones, are ignored.
func (c *session) clearWatch(id geo.WatchID) bool {
	c.mu.Lock()
	remove, ok := c.watches[id]
	delete(c.watches, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()
	remove(ctx)
	return true
}

func (c *session) forget(id geo.WatchID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watches, id)
}
