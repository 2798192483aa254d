package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"sos-mesh-relay/shared/config"
)

// Client writes single points synchronously. The consumer commits a kafka
// offset only after WritePoint returns nil.
type Client struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	// The client takes seconds.
	timeoutSec := max(cfg.InfluxTimeoutMS/1000, 1)
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(timeoutSec)).
		SetApplicationName(cfg.ServiceName)
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, writer: client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket)}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influx not ready")
	}
	return nil
}

// WritePoint drops empty tag values, which line protocol cannot encode.
func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.writer == nil {
		return errors.New("influx client not initialized")
	}
	if len(fields) == 0 {
		return errors.New("influx point needs at least one field")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return c.writer.WritePoint(ctx, influxdb2.NewPoint(measurement, cleanTags(tags), fields, ts))
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}

func cleanTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}
