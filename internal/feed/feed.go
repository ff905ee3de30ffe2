// Package feed maintains the persistent market-data websocket connection:
// batched subscription, a non-blocking hot-path tick decoder, heartbeat
// monitoring, and callback-latency telemetry over a gorilla/websocket
// connection. The client installs a pong handler but sends no pings of
// its own.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"nse-volharvester/internal/instruments"
	"nse-volharvester/internal/latencyring"
	"nse-volharvester/internal/metrics"
	"nse-volharvester/internal/model"
	"nse-volharvester/internal/tickbuffer"
	"nse-volharvester/internal/timegrid"

	"github.com/gorilla/websocket"
)

// Config tunes subscription batching and health thresholds.
type Config struct {
	SubscribeBatchSize   int
	InterBatchDelay      time.Duration
	HeartbeatSilence     time.Duration
	LatencySampleSize    int
	LatencyWarnP99US     float64
	LatencyWarnMaxUS     float64
}

// DefaultConfig returns spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		SubscribeBatchSize: 50,
		InterBatchDelay:    500 * time.Millisecond,
		HeartbeatSilence:   30 * time.Second,
		LatencySampleSize:  10000,
		LatencyWarnP99US:   500,
		LatencyWarnMaxUS:   2000,
	}
}

// Client owns one persistent websocket connection to the market-data feed.
type Client struct {
	cfg     Config
	url     string
	headers http.Header

	buffer  *tickbuffer.Buffer
	grid    *timegrid.Grid
	master  *instruments.Master
	logger  *slog.Logger
	latency *latencyring.Tracker
	metrics *metrics.Metrics

	mu              sync.Mutex
	conn            *websocket.Conn
	connected       bool
	subscribed      bool
	lastTickMonoSet time.Time

	OnClose func(error)
}

// New returns a Client bound to a tick buffer, the active session's time
// grid, and the static instrument master.
func New(cfg Config, url string, headers http.Header, buffer *tickbuffer.Buffer, grid *timegrid.Grid, master *instruments.Master, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		url:     url,
		headers: headers,
		buffer:  buffer,
		grid:    grid,
		master:  master,
		logger:  logger,
		latency: latencyring.New(cfg.LatencySampleSize),
	}
}

// SetMetrics attaches the Prometheus counters handleTick increments on
// decode failure. Optional — nil leaves the client's behavior unchanged.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Connect dials the feed and starts the read loop. Returns once the
// connection is established; read failures are reported via OnClose.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.DefaultDialer
	conn, resp, err := dialer.DialContext(ctx, c.url, c.headers)
	if err != nil {
		status := "unknown"
		if resp != nil {
			status = resp.Status
		}
		return fmt.Errorf("feed dial failed (status=%s): %w", status, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return nil
	})

	go c.readLoop()
	c.logger.Info("FEED_CONNECTED")
	return nil
}

// Subscribe sends subscription requests for every instrument in batches,
// pausing InterBatchDelay between batches to avoid throttling.
func (c *Client) Subscribe() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("feed: not connected")
	}

	all := c.master.All()
	batch := c.cfg.SubscribeBatchSize
	for i := 0; i < len(all); i += batch {
		end := i + batch
		if end > len(all) {
			end = len(all)
		}
		req := subscribeRequest(all[i:end])
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("feed subscribe batch at %d: %w", i, err)
		}
		c.logger.Info("SUBSCRIBED_BATCH", "start", i, "count", end-i, "total", len(all))
		if end < len(all) {
			time.Sleep(c.cfg.InterBatchDelay)
		}
	}

	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
	c.logger.Info("SUBSCRIPTION_COMPLETE", "instruments", len(all))
	return nil
}

func subscribeRequest(batch []model.Instrument) map[string]any {
	tokens := make([]map[string]any, len(batch))
	for i, inst := range batch {
		tokens[i] = map[string]any{"instrument_token": inst.Token, "exchange_segment": inst.Segment}
	}
	return map[string]any{"action": 1, "params": map[string]any{"tokenList": tokens}}
}

// readLoop is the connection's read pump; it decodes every frame on the
// hot path and hands valid ticks to handleTick.
func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.connected = false
			c.subscribed = false
			c.mu.Unlock()
			if c.OnClose != nil {
				c.OnClose(err)
			}
			return
		}
		c.handleTick(data)
	}
}

// handleTick is the hot path: decode, resolve, assign window, push to the
// buffer. No logging, no allocation beyond the decode and the latency
// sample push.
func (c *Client) handleTick(raw []byte) {
	t0 := time.Now()
	defer func() {
		c.latency.Record(float64(time.Since(t0).Microseconds()))
	}()

	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.latency.IncParseError()
		if c.metrics != nil {
			c.metrics.ParseErrors.Inc()
		}
		return
	}

	token := stringField(msg, "tk", "token", "instrument_token")
	ltp, ok := numericField(msg, "ltp", "last_traded_price")
	if token == "" || !ok {
		return
	}

	ts, ok := timestampField(msg)
	if !ok {
		ts = time.Now()
	}

	inst, ok := c.master.ByToken(token)
	if !ok {
		return
	}

	windowStart, err := c.grid.AssignTick(ts)
	if err != nil {
		return
	}

	c.buffer.Update(inst.Symbol, ltp, windowStart)

	c.mu.Lock()
	c.lastTickMonoSet = time.Now()
	c.mu.Unlock()
	c.latency.IncTick()
}

func stringField(msg map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := msg[k]; ok {
			switch t := v.(type) {
			case string:
				return t
			case float64:
				return strconv.FormatFloat(t, 'f', -1, 64)
			}
		}
	}
	return ""
}

func numericField(msg map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := msg[k]; ok {
			switch t := v.(type) {
			case float64:
				return t, true
			case string:
				if f, err := strconv.ParseFloat(t, 64); err == nil {
					return f, true
				}
			}
		}
	}
	return 0, false
}

func timestampField(msg map[string]any) (time.Time, bool) {
	for _, k := range []string{"exchange_timestamp", "ft", "feed_time"} {
		v, ok := msg[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			if t > 1e12 {
				return time.UnixMilli(int64(t)), true
			}
			return time.Unix(int64(t), 0), true
		case string:
			if ts, err := time.Parse(time.RFC3339, t); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// CheckHeartbeat reports whether ticks are still flowing. Returns true
// before the first tick has arrived.
func (c *Client) CheckHeartbeat() bool {
	c.mu.Lock()
	last := c.lastTickMonoSet
	c.mu.Unlock()
	if last.IsZero() {
		return true
	}
	if time.Since(last) > c.cfg.HeartbeatSilence {
		c.logger.Warn("HEARTBEAT_TIMEOUT", "silence", time.Since(last))
		return false
	}
	return true
}

// LatencyReport computes and resets the latency telemetry, warning when
// thresholds are exceeded.
func (c *Client) LatencyReport() latencyring.Report {
	rep := c.latency.ReportAndReset()
	if rep.P99 > c.cfg.LatencyWarnP99US {
		c.logger.Warn("CALLBACK_LATENCY_HIGH", "p99_us", rep.P99, "threshold_us", c.cfg.LatencyWarnP99US)
	}
	if rep.Max > c.cfg.LatencyWarnMaxUS {
		c.logger.Warn("CALLBACK_LATENCY_MAX_EXCEEDED", "max_us", rep.Max, "threshold_us", c.cfg.LatencyWarnMaxUS)
	}
	return rep
}

// IsConnected reports current connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsSubscribed reports whether the subscription batch sequence completed.
func (c *Client) IsSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// Disconnect closes the underlying connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.subscribed = false
	c.logger.Info("FEED_DISCONNECTED")
}
