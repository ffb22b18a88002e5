package influxdb

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Logger is satisfied by logging.Logger and slog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
}

// Client records fleet telemetry (status, presence, command outcomes and
// notification counts) in one InfluxDB v2 bucket.
//
// Writes are batched and never block the caller. A failed batch is logged
// and counted; it does not stop later writes. Safe for concurrent use.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string

	mu       sync.RWMutex
	closed   bool
	logger   Logger
	failures int
}

// Connect validates the telemetry target, pings the server and opens a
// batching write API. Returns ErrDisabled when cfg.Enabled is false.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := time.Duration(cfg.FlushInterval) * time.Second
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	// #nosec G115 -- both values are positive here
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval.Milliseconds())).
			SetPrecision(time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
	}
	go c.logWriteErrors(c.writeAPI.Errors())

	return c, nil
}

func validate(cfg config.InfluxDBConfig) error {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url %q must be http(s)://host[:port]", ErrInvalidConfig, cfg.URL)
	}
	if cfg.Org == "" {
		return fmt.Errorf("%w: org is required", ErrInvalidConfig)
	}
	if cfg.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
	}
	return nil
}

func (c *Client) logWriteErrors(errs <-chan error) {
	for err := range errs {
		c.mu.Lock()
		c.failures++
		failures := c.failures
		logger := c.logger
		c.mu.Unlock()

		if logger != nil {
			logger.Warn("telemetry batch write failed", "bucket", c.bucket, "failures", failures, "error", err)
		}
	}
}

// SetLogger sets the logger for failed batch writes.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

// Close flushes buffered points and closes the client. Later writes are
// dropped. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.client == nil || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.open() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

func (c *Client) open() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && !c.closed
}
