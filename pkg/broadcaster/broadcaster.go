// Package broadcaster implements the push-only WebSocket fan-out used to
// stream metrics, generation progress and system alerts to connected UIs.
package broadcaster

import (
	"encoding/json"
	"io"
	"time"

	"github.com/moby/pubsub"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// Message shapes pushed to clients.
type (
	// Metrics is broadcast every telemetry tick.
	Metrics struct {
		Type        string        `json:"type"`
		VRAMTotalGB float64       `json:"vram_total_gb"`
		VRAMFreeGB  float64       `json:"vram_free_gb"`
		Workers     WorkerMetrics `json:"workers"`
	}

	WorkerMetrics struct {
		SD  SDMetrics  `json:"sd"`
		LLM LLMMetrics `json:"llm"`
	}

	SDMetrics struct {
		VRAMGB float64 `json:"vram_gb"`
	}

	LLMMetrics struct {
		VRAMGB float64 `json:"vram_gb"`
		Model  string  `json:"model,omitempty"`
		Loaded bool    `json:"loaded"`
	}

	// Progress mirrors one frame of the SD worker's SSE progress stream.
	Progress struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	// Alert announces worker crashes, recoveries and safe-mode changes.
	Alert struct {
		Type    string `json:"type"`
		Level   string `json:"level"`
		Message string `json:"message"`
	}
)

// Alert levels.
const (
	LevelWarning = "warning"
	LevelSuccess = "success"
	LevelError   = "error"
)

// Broadcaster serializes each message once and fans it out to every live
// client. Producers never block: slow clients miss messages instead of
// stalling the health loop.
type Broadcaster struct {
	pub *pubsub.Publisher
}

// New creates a Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		// 100ms publish timeout drops frames to clients that cannot keep up
		pub: pubsub.NewPublisher(100*time.Millisecond, 256),
	}
}

// Broadcast marshals v and pushes it to all connected clients.
func (b *Broadcaster) Broadcast(v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		logrus.WithError(err).Warn("broadcaster: dropping unmarshalable message")
		return
	}
	b.pub.Publish(buf)
}

// SendAlert broadcasts a system_alert with the given level.
func (b *Broadcaster) SendAlert(level, message string) {
	b.Broadcast(Alert{Type: "system_alert", Level: level, Message: message})
}

// SendMetrics broadcasts a metrics sample.
func (b *Broadcaster) SendMetrics(m Metrics) {
	m.Type = "metrics"
	b.Broadcast(m)
}

// SendProgress mirrors one SSE progress frame.
func (b *Broadcaster) SendProgress(data json.RawMessage) {
	b.Broadcast(Progress{Type: "progress", Data: data})
}

// Handler returns the websocket handler for incoming UI connections.
// Inbound frames are drained and discarded; the connection is push-only.
func (b *Broadcaster) Handler() websocket.Handler {
	return func(conn *websocket.Conn) {
		remote := conn.Request().RemoteAddr
		logrus.WithField("client", remote).Debug("websocket client connected")

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var discard []byte
				if err := websocket.Message.Receive(conn, &discard); err != nil {
					return
				}
			}
		}()

		sub := b.pub.Subscribe()
		defer b.pub.Evict(sub)

		for {
			select {
			case <-done:
				logrus.WithField("client", remote).Debug("websocket client disconnected")
				return
			case m, ok := <-sub:
				if !ok {
					return
				}
				buf := m.([]byte)
				if _, err := conn.Write(buf); err != nil {
					if err != io.EOF {
						logrus.WithError(err).WithField("client", remote).Debug("websocket write failed")
					}
					return
				}
			}
		}
	}
}

// Len returns the number of connected clients.
func (b *Broadcaster) Len() int {
	return b.pub.Len()
}

// Close evicts all clients.
func (b *Broadcaster) Close() {
	b.pub.Close()
}
