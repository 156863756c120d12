package flowmap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/assert"

	"github.com/luno/flowmap/api"
)

func fakeScanner(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/hosts", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.ListHostsResponse{Hosts: []api.Host{
			{IP: "10.0.0.1", Hostname: "gateway", Status: api.HostOnline},
			{IP: "10.0.0.7", Status: api.HostOffline, DiscoveryMethod: api.DiscoveryPassive},
		}})
	})
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.AggregatedStats{
			Connections: []api.RawFlow{
				{SourceIP: "10.0.0.1", DestIP: "10.0.0.7", Protocols: []string{"TCP"}, Bytes: 512},
			},
			CurrentTime: 1700000000,
		})
	})
	mux.HandleFunc("/api/burst", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("duration"))
		_ = json.NewEncoder(w).Encode(api.BurstResult{
			Connections: []api.RawFlow{
				{SourceIP: "10.0.0.1", DestIP: "10.0.0.7", Protocols: []string{"UDP"}, Bytes: 64},
			},
			ConnectionCount: 1,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientListHosts(t *testing.T) {
	srv := fakeScanner(t)
	c := NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	hosts, err := c.ListHosts(context.Background())
	jtest.RequireNil(t, err)

	assert.Equal(t, []api.Host{
		{IP: "10.0.0.1", Hostname: "gateway", Status: api.HostOnline},
		{IP: "10.0.0.7", Status: api.HostOffline, DiscoveryMethod: api.DiscoveryPassive},
	}, hosts)
}

func TestClientGetAggregatedStats(t *testing.T) {
	srv := fakeScanner(t)
	c := NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	stats, err := c.GetAggregatedStats(context.Background())
	jtest.RequireNil(t, err)

	assert.Equal(t, int64(1700000000), stats.CurrentTime)
	assert.Len(t, stats.Connections, 1)
	assert.Equal(t, int64(512), stats.Connections[0].Bytes)
}

func TestClientBurstCapture(t *testing.T) {
	srv := fakeScanner(t)
	c := NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	res, err := c.BurstCapture(context.Background(), 2*time.Second)
	jtest.RequireNil(t, err)

	assert.Equal(t, 1, res.ConnectionCount)
	assert.Equal(t, []string{"UDP"}, res.Connections[0].Protocols)
}

type fetchCounter int

func (c *fetchCounter) Inc() { *c++ }

func TestClientErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "scanner busy", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	var errs fetchCounter
	c := NewClient(
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithMetrics(Metrics{FetchErrors: &errs}),
	)

	_, err := c.ListHosts(context.Background())
	assert.Error(t, err)
	assert.Equal(t, fetchCounter(1), errs)
}
