// Package flowmap provides the HTTP client for the collaborator services
// the topology view consumes: the asset/host inventory and the traffic
// stats/burst-capture endpoints.
package flowmap

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"

	"github.com/luno/flowmap/api"
)

type Counter interface {
	Inc()
}

type Measure interface {
	Observe(secs float64)
}

type noopMetric struct{}

func (noopMetric) Inc()            {}
func (noopMetric) Observe(float64) {}

type Metrics struct {
	FetchErrors  Counter
	FetchLatency Measure
}

func (m *Metrics) defaultUnused() {
	if m.FetchErrors == nil {
		m.FetchErrors = noopMetric{}
	}
	if m.FetchLatency == nil {
		m.FetchLatency = noopMetric{}
	}
}

type Client struct {
	baseURL    string
	cli        *http.Client
	metrics    Metrics
	reqTimeout time.Duration
}

var errRetryable = errors.New("", j.C("ERR_9f21c6de51a7b3e4"))

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(client *Client) {
		client.baseURL = url
	}
}

func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.cli = c
	}
}

func WithMetrics(m Metrics) ClientOption {
	return func(client *Client) {
		client.metrics = m
	}
}

func WithRequestTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.reqTimeout = d
	}
}

func NewClient(opts ...ClientOption) *Client {
	ret := &Client{
		cli:        http.DefaultClient,
		reqTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.metrics.defaultUnused()
	if ret.cli == nil {
		panic("no http client specified")
	}
	return ret
}

// ListHosts fetches the current host inventory.
func (c *Client) ListHosts(ctx context.Context) ([]api.Host, error) {
	b, err := c.doRetry(ctx, "/api/hosts")
	if err != nil {
		return nil, err
	}
	var resp api.ListHostsResponse
	err = json.Unmarshal(b, &resp)
	if err != nil {
		return nil, errors.Wrap(err, "decode hosts")
	}
	return resp.Hosts, nil
}

// GetAggregatedStats reads the current aggregated flow stats. This is the
// lightweight refresh path.
func (c *Client) GetAggregatedStats(ctx context.Context) (api.AggregatedStats, error) {
	b, err := c.doRetry(ctx, "/api/stats")
	if err != nil {
		return api.AggregatedStats{}, err
	}
	var resp api.AggregatedStats
	err = json.Unmarshal(b, &resp)
	if err != nil {
		return api.AggregatedStats{}, errors.Wrap(err, "decode stats")
	}
	return resp, nil
}

// BurstCapture asks the collaborator to sample live traffic for the given
// duration. Not retried: a stale burst is worthless by the time a retry
// would land.
func (c *Client) BurstCapture(ctx context.Context, duration time.Duration) (api.BurstResult, error) {
	secs := int(duration / time.Second)
	if secs < 1 {
		secs = 1
	}
	b, err := c.do(ctx, "/api/burst?duration="+strconv.Itoa(secs))
	if err != nil {
		return api.BurstResult{}, err
	}
	var resp api.BurstResult
	err = json.Unmarshal(b, &resp)
	if err != nil {
		return api.BurstResult{}, errors.Wrap(err, "decode burst result")
	}
	return resp, nil
}

func wrapHTTPError(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*url.Error); ok {
		if e.Timeout() || e.Temporary() {
			return errors.Wrap(errRetryable, err.Error())
		}
	}
	return err
}

func (c *Client) doRetry(ctx context.Context, path string) ([]byte, error) {
	retries := 4
	wait := time.Second
	for {
		resp, err := c.do(ctx, path)
		if err == nil {
			return resp, nil
		}
		if !errors.IsAny(err, context.DeadlineExceeded, errRetryable) || retries <= 0 {
			return nil, err
		}
		select {
		case <-time.After(wait):
			wait *= 2
			retries--
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		log.Info(ctx, "retrying request", j.MKV{"path": path})
	}
}

func (c *Client) do(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()

	t0 := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	resp, err := c.cli.Do(req)
	if err != nil {
		c.metrics.FetchErrors.Inc()
		return nil, wrapHTTPError(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.FetchErrors.Inc()
		return nil, errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode == http.StatusOK {
		c.metrics.FetchLatency.Observe(time.Since(t0).Seconds())
		return b, nil
	}
	c.metrics.FetchErrors.Inc()
	s := strings.TrimSpace(string(b))
	return nil, errors.New("request failed", j.MKV{"path": path, "response": s})
}
