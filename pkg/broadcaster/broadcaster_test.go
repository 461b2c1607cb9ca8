package broadcaster

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := websocket.Dial(url, "", "http://localhost/")
	assert.NilError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func receive(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var raw []byte
	assert.NilError(t, websocket.Message.Receive(conn, &raw))
	var m map[string]interface{}
	assert.NilError(t, json.Unmarshal(raw, &m))
	return m
}

func TestBroadcastReachesAllClients(t *testing.T) {
	b := New()
	defer b.Close()
	srv := httptest.NewServer(websocket.Server{Handler: b.Handler()})
	defer srv.Close()

	c1 := dial(t, srv)
	c2 := dial(t, srv)

	// subscriptions are registered inside the handler goroutine; wait for
	// both clients to be visible before publishing
	for i := 0; i < 100 && b.Len() < 2; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, b.Len(), 2)

	b.SendAlert(LevelWarning, "sd worker unresponsive")

	for _, c := range []*websocket.Conn{c1, c2} {
		m := receive(t, c)
		assert.Check(t, is.Equal(m["type"], "system_alert"))
		assert.Check(t, is.Equal(m["level"], "warning"))
		assert.Check(t, is.Equal(m["message"], "sd worker unresponsive"))
	}
}

func TestMetricsShape(t *testing.T) {
	b := New()
	defer b.Close()
	srv := httptest.NewServer(websocket.Server{Handler: b.Handler()})
	defer srv.Close()

	c := dial(t, srv)
	for i := 0; i < 100 && b.Len() < 1; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	b.SendMetrics(Metrics{
		VRAMTotalGB: 24,
		VRAMFreeGB:  10.5,
		Workers: WorkerMetrics{
			SD:  SDMetrics{VRAMGB: 8},
			LLM: LLMMetrics{VRAMGB: 4, Model: "llava", Loaded: true},
		},
	})

	m := receive(t, c)
	assert.Check(t, is.Equal(m["type"], "metrics"))
	assert.Check(t, is.Equal(m["vram_total_gb"], 24.0))
	workers := m["workers"].(map[string]interface{})
	llm := workers["llm"].(map[string]interface{})
	assert.Check(t, is.Equal(llm["loaded"], true))
	assert.Check(t, is.Equal(llm["model"], "llava"))
}

func TestInboundFramesIgnored(t *testing.T) {
	b := New()
	defer b.Close()
	srv := httptest.NewServer(websocket.Server{Handler: b.Handler()})
	defer srv.Close()

	c := dial(t, srv)
	for i := 0; i < 100 && b.Len() < 1; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	assert.NilError(t, websocket.Message.Send(c, "client chatter"))

	b.SendProgress(json.RawMessage(`{"step":3,"steps":20}`))
	m := receive(t, c)
	assert.Check(t, is.Equal(m["type"], "progress"))
	data := m["data"].(map[string]interface{})
	assert.Check(t, is.Equal(data["step"], 3.0))
}
