package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/asr-gateway/internal/metrics"
	"github.com/snarg/asr-gateway/internal/registry"
)

var (
	errConnClosed    = errors.New("gateway: connection closed")
	errSendQueueFull = errors.New("gateway: send queue full")
)

// conn is one websocket client. The read pump runs on the HTTP handler
// goroutine, the write pump on its own goroutine, and Send is called from
// the network executor.
type conn struct {
	g          *Gateway
	id         registry.ConnID
	ws         *websocket.Conn
	handle     *registry.Handle
	remoteAddr string
	startedAt  time.Time
	log        zerolog.Logger

	send      chan string
	done      chan struct{}
	closeOnce sync.Once

	// finished is set when the client sends Done.
	finished atomic.Bool

	captureMu  sync.Mutex
	captured   []float32
	captureMax int

	// segmentStart is only touched on the connection's network lane.
	segmentStart time.Time
}

func newConn(g *Gateway, id registry.ConnID, ws *websocket.Conn, remoteAddr string) *conn {
	now := time.Now()
	return &conn{
		g:            g,
		id:           id,
		ws:           ws,
		remoteAddr:   remoteAddr,
		startedAt:    now,
		segmentStart: now,
		log:          g.log.With().Str("conn_id", string(id)).Logger(),
		send:         make(chan string, g.opts.SendQueueSize),
		done:         make(chan struct{}),
		captureMax:   int(g.opts.RecordMaxSeconds * float64(g.opts.InputSampleRate)),
	}
}

// Send queues msg for the write pump. A client that cannot keep up is
// disconnected rather than blocking the network executor.
func (c *conn) Send(msg string) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		metrics.SendDropsTotal.WithLabelValues("queue_full").Inc()
		c.log.Warn().Int("queue_size", cap(c.send)).Msg("send queue full, closing connection")
		c.shutdown()
		return errSendQueueFull
	}
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) readPump() {
	g := c.g
	if g.opts.MaxMessageSize > 0 {
		c.ws.SetReadLimit(g.opts.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(g.pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(g.pongWait))
		return nil
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(g.pongWait))

		switch mt {
		case websocket.BinaryMessage:
			g.onAudio(c, data)
		case websocket.TextMessage:
			g.onText(c, string(data))
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.g.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.g.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				c.log.Debug().Err(err).Msg("websocket write error")
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.g.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// capture keeps client audio for the archive, up to captureMax samples per
// utterance.
func (c *conn) capture(samples []float32) {
	if c.captureMax <= 0 || c.g.opts.Archive == nil {
		return
	}
	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	room := c.captureMax - len(c.captured)
	if room <= 0 {
		return
	}
	if len(samples) > room {
		samples = samples[:room]
	}
	c.captured = append(c.captured, samples...)
}

func (c *conn) takeCaptured() []float32 {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	out := c.captured
	c.captured = nil
	return out
}
