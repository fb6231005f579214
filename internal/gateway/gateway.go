// Package gateway accepts streaming-audio websocket clients and connects them
// to the decode scheduler.
//
// Each connection's read pump feeds audio into its stream and schedules decode
// passes. Results come back on the network executor, keyed by connection, and
// are pushed to the connection's write pump. "Done" from the client ends the
// input; "Done" from the server follows the final result.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/asr-gateway/internal/archive"
	"github.com/snarg/asr-gateway/internal/audio"
	"github.com/snarg/asr-gateway/internal/executor"
	"github.com/snarg/asr-gateway/internal/metrics"
	"github.com/snarg/asr-gateway/internal/recognizer"
	"github.com/snarg/asr-gateway/internal/registry"
	"github.com/snarg/asr-gateway/internal/scheduler"
)

// ErrMalformedFrame is reported for binary frames that are not whole float32 samples.
var ErrMalformedFrame = audio.ErrMalformedFrame

const (
	// DoneMessage is the text frame that ends client input and, sent back,
	// marks the end of results.
	DoneMessage = "Done"

	// tailPaddingSeconds of silence are appended on Done so the last
	// frames of speech get decoded.
	tailPaddingSeconds = 0.3

	busyHint = "The server is overloaded. Please retry later."
	busyBody = "The server is busy. Please retry later."
)

// Submitter accepts finalized utterances. Satisfied by *archive.WorkerPool.
type Submitter interface {
	Submit(r archive.Record) bool
}

// Options configures a Gateway.
type Options struct {
	Recognizer recognizer.Recognizer
	Registry   *registry.Registry
	Compute    executor.Poster
	Network    executor.KeyedPoster
	// Archive is optional.
	Archive Submitter

	InputSampleRate      int
	MaxMessageSize       int64
	MaxActiveConnections int
	SendQueueSize        int
	// RecordMaxSeconds caps captured audio per utterance. 0 disables capture.
	RecordMaxSeconds float64

	// Keepalive; zero values use 60s pong wait and 10s write wait.
	PongWait  time.Duration
	WriteWait time.Duration

	Log zerolog.Logger
}

type Gateway struct {
	opts     Options
	rec      recognizer.Recognizer
	reg      *registry.Registry
	network  executor.KeyedPoster
	sched    *scheduler.Scheduler
	upgrader websocket.Upgrader
	log      zerolog.Logger

	pongWait   time.Duration
	pingPeriod time.Duration
	writeWait  time.Duration

	conns atomic.Int64
}

func New(opts Options) *Gateway {
	g := &Gateway{
		opts:    opts,
		rec:     opts.Recognizer,
		reg:     opts.Registry,
		network: opts.Network,
		log:     opts.Log.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pongWait:  opts.PongWait,
		writeWait: opts.WriteWait,
	}
	if g.pongWait <= 0 {
		g.pongWait = 60 * time.Second
	}
	if g.writeWait <= 0 {
		g.writeWait = 10 * time.Second
	}
	g.pingPeriod = g.pongWait * 9 / 10

	g.sched = scheduler.New(scheduler.Options{
		Recognizer: opts.Recognizer,
		Registry:   opts.Registry,
		Compute:    opts.Compute,
		Network:    opts.Network,
		Sender:     g,
		Log:        opts.Log,
	})
	return g
}

// Scheduler returns the decode scheduler driving this gateway.
func (g *Gateway) Scheduler() *scheduler.Scheduler { return g.sched }

// OpenConnections returns the number of registered connections.
func (g *Gateway) OpenConnections() int { return g.reg.Len() }

// ActiveStreams returns the number of streams queued or being decoded.
func (g *Gateway) ActiveStreams() int { return g.sched.Stats().Active }

// QueuedStreams returns the decode queue depth.
func (g *Gateway) QueuedStreams() int { return g.sched.Stats().Queued }

// ServeHTTP upgrades the request and runs the connection until the client
// goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if n := g.conns.Add(1); g.opts.MaxActiveConnections > 0 && n > int64(g.opts.MaxActiveConnections) {
		g.conns.Add(-1)
		metrics.ConnectionsRejectedTotal.Inc()
		g.log.Warn().
			Int64("connections", n-1).
			Str("remote_addr", r.RemoteAddr).
			Msg("connection limit reached, rejecting")
		w.Header().Set("Hint", busyHint)
		http.Error(w, busyBody, http.StatusServiceUnavailable)
		return
	}
	defer g.conns.Add(-1)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		g.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	id := registry.ConnID(uuid.NewString())
	c := newConn(g, id, ws, r.RemoteAddr)
	h, err := g.reg.Open(id, c)
	if err != nil {
		g.log.Error().Err(err).Str("conn_id", string(id)).Msg("failed to open stream")
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "recognizer unavailable"),
			time.Now().Add(g.writeWait))
		ws.Close()
		return
	}
	c.handle = h
	metrics.ConnectionsTotal.Inc()
	c.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Int("connections", g.reg.Len()).
		Msg("connection opened")

	go c.writePump()
	c.readPump()

	g.reg.Close(id)
	c.shutdown()
	c.log.Info().
		Dur("duration", time.Since(c.startedAt)).
		Msg("connection closed")
}

func (g *Gateway) onAudio(c *conn, data []byte) {
	metrics.FramesReceivedTotal.WithLabelValues("binary").Inc()
	if c.finished.Load() {
		c.log.Warn().Int("bytes", len(data)).Msg("audio after Done, ignoring")
		return
	}
	samples, err := audio.DecodeFloat32LE(data)
	if err != nil {
		metrics.FramesRejectedTotal.Inc()
		c.log.Warn().Err(err).Msg("rejecting audio frame")
		g.postError(c.id, "malformed audio frame", err)
		return
	}
	if len(samples) == 0 {
		return
	}
	c.capture(samples)

	stream := c.handle.Stream()
	stream.AcceptWaveform(g.opts.InputSampleRate, samples)
	if g.rec.IsReady(stream) {
		g.sched.Enqueue(c.id, c.handle)
	}
}

func (g *Gateway) onText(c *conn, msg string) {
	metrics.FramesReceivedTotal.WithLabelValues("text").Inc()
	if msg != DoneMessage {
		c.log.Debug().Str("message", msg).Msg("ignoring unknown text message")
		return
	}
	if !c.finished.CompareAndSwap(false, true) {
		c.log.Debug().Msg("duplicate Done, ignoring")
		return
	}

	stream := c.handle.Stream()
	tail := make([]float32, int(tailPaddingSeconds*float64(g.opts.InputSampleRate)))
	stream.AcceptWaveform(g.opts.InputSampleRate, tail)
	stream.InputFinished()
	c.log.Debug().Int("frames", stream.NumFramesReady()).Msg("input finished")

	if g.rec.IsReady(stream) {
		g.sched.Enqueue(c.id, c.handle)
	}
}

// SendResult runs on the network executor.
func (g *Gateway) SendResult(id registry.ConnID, result recognizer.Result) {
	peer := g.reg.Peer(id)
	if peer == nil {
		metrics.SendDropsTotal.WithLabelValues("closed").Inc()
		return
	}
	if err := peer.Send(result.JSON()); err != nil {
		metrics.SendDropsTotal.WithLabelValues("send_failed").Inc()
		g.log.Warn().Err(err).Str("conn_id", string(id)).Msg("failed to send result")
		return
	}
	metrics.ResultsSentTotal.Inc()

	if c, ok := peer.(*conn); ok && result.Final {
		g.archiveUtterance(c, result)
	}
}

// SendDone runs on the network executor.
func (g *Gateway) SendDone(id registry.ConnID) {
	peer := g.reg.Peer(id)
	if peer == nil {
		metrics.SendDropsTotal.WithLabelValues("closed").Inc()
		return
	}
	if err := peer.Send(DoneMessage); err != nil {
		metrics.SendDropsTotal.WithLabelValues("send_failed").Inc()
		g.log.Warn().Err(err).Str("conn_id", string(id)).Msg("failed to send Done")
		return
	}
	metrics.FinalizationsTotal.Inc()
	g.log.Info().Str("conn_id", string(id)).Msg("stream finalized")
}

type errorMessage struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (g *Gateway) postError(id registry.ConnID, msg string, cause error) {
	body := errorMessage{Error: msg}
	if cause != nil {
		body.Detail = cause.Error()
	}
	b, _ := json.Marshal(body)
	g.network.PostKeyed(string(id), func() {
		if peer := g.reg.Peer(id); peer != nil {
			if err := peer.Send(string(b)); err != nil {
				g.log.Warn().Err(err).Str("conn_id", string(id)).Msg("failed to send error")
			}
		}
	})
}

// archiveUtterance runs on the network executor.
func (g *Gateway) archiveUtterance(c *conn, result recognizer.Result) {
	samples := c.takeCaptured()
	started := c.segmentStart
	c.segmentStart = time.Now()

	if g.opts.Archive == nil {
		return
	}
	if result.Text == "" && len(samples) == 0 {
		return
	}
	rec := archive.Record{
		ConnID:     string(c.id),
		RemoteAddr: c.remoteAddr,
		StartedAt:  started,
		FinishedAt: c.segmentStart,
		Result:     result,
		SampleRate: g.opts.InputSampleRate,
		Samples:    samples,
	}
	if !g.opts.Archive.Submit(rec) {
		metrics.ArchiveRecordsTotal.WithLabelValues("queue", "dropped").Inc()
		c.log.Warn().Int("segment", result.Segment).Msg("archive queue full, dropping utterance")
	}
}
