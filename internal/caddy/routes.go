// Package caddy manages serving routes through the reverse proxy's admin
// API.
package caddy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/praveen70140/PageForge/internal/build"
)

const routesConfigPath = "/config/apps/http/servers/static/routes"

// Publisher installs and removes hostname routes pointing at artifact
// prefixes in object storage. Route-table writes are full-list replaces, so
// a mutex serializes every fetch-modify-write cycle.
type Publisher struct {
	mu           sync.Mutex
	adminURL     string
	upstreamHost string
	bucket       string
	client       *http.Client
	logger       *slog.Logger
}

// NewPublisher configures a Publisher for the given admin endpoint. The
// storage URL is the address the proxy dials to serve artifacts.
func NewPublisher(adminURL, storageURL, bucket string, logger *slog.Logger) (*Publisher, error) {
	parsed, err := url.Parse(storageURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid storage URL %q", storageURL)
	}
	return &Publisher{
		adminURL:     strings.TrimRight(adminURL, "/"),
		upstreamHost: parsed.Host,
		bucket:       bucket,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
	}, nil
}

// UpsertRoute replaces any existing route for domain with one serving the
// deployment's artifact prefix. Calling it again for the same domain swaps
// the rule, never accumulates.
func (p *Publisher) UpsertRoute(ctx context.Context, domain, deploymentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	routes := p.fetchRoutes(ctx)
	filtered := filterByHost(routes, domain)

	newRoute, err := json.Marshal(buildRoute(domain, p.bucket, build.ArtifactPrefix(deploymentID), p.upstreamHost))
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}
	filtered = append(filtered, newRoute)

	return p.writeRoutes(ctx, filtered)
}

// RemoveRoute deletes the route for domain if one exists.
func (p *Publisher) RemoveRoute(ctx context.Context, domain string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	routes := p.fetchRoutes(ctx)
	return p.writeRoutes(ctx, filterByHost(routes, domain))
}

// fetchRoutes reads the current rule set. A proxy with no routes configured
// yet is not an error; it yields an empty list.
func (p *Publisher) fetchRoutes(ctx context.Context) []json.RawMessage {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.adminURL+routesConfigPath, nil)
	if err != nil {
		return nil
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("fetch proxy routes failed", "error", err)
		}
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	var routes []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&routes); err != nil {
		if p.logger != nil {
			p.logger.Warn("decode proxy routes failed", "error", err)
		}
		return nil
	}
	return routes
}

// writeRoutes replaces the whole rule set. The admin API rejects PATCH on a
// config path that does not exist yet, so a rejected PATCH falls back to PUT.
func (p *Publisher) writeRoutes(ctx context.Context, routes []json.RawMessage) error {
	if routes == nil {
		routes = []json.RawMessage{}
	}
	body, err := json.Marshal(routes)
	if err != nil {
		return fmt.Errorf("marshal routes: %w", err)
	}

	if err := p.send(ctx, http.MethodPatch, body); err == nil {
		return nil
	}
	if err := p.send(ctx, http.MethodPut, body); err != nil {
		return fmt.Errorf("update proxy routes: %w", err)
	}
	return nil
}

func (p *Publisher) send(ctx context.Context, method string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, p.adminURL+routesConfigPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("proxy admin responded %d", resp.StatusCode)
	}
	return nil
}

// hostProbe extracts just enough of a stored route to test host matches,
// leaving unknown fields intact in the raw JSON.
type hostProbe struct {
	Match []struct {
		Host []string `json:"host"`
	} `json:"match"`
}

func filterByHost(routes []json.RawMessage, domain string) []json.RawMessage {
	filtered := make([]json.RawMessage, 0, len(routes))
	for _, raw := range routes {
		var probe hostProbe
		if err := json.Unmarshal(raw, &probe); err == nil && matchesHost(probe, domain) {
			continue
		}
		filtered = append(filtered, raw)
	}
	return filtered
}

func matchesHost(probe hostProbe, domain string) bool {
	for _, m := range probe.Match {
		for _, host := range m.Host {
			if host == domain {
				return true
			}
		}
	}
	return false
}

type route struct {
	Match  []matcher `json:"match,omitempty"`
	Handle []handler `json:"handle,omitempty"`
}

type matcher struct {
	Host       []string    `json:"host,omitempty"`
	PathRegexp *pathRegexp `json:"path_regexp,omitempty"`
}

type pathRegexp struct {
	Pattern string `json:"pattern"`
}

type handler struct {
	Handler   string      `json:"handler"`
	Routes    []route     `json:"routes,omitempty"`
	URI       string      `json:"uri,omitempty"`
	Upstreams []upstream  `json:"upstreams,omitempty"`
	Headers   *headerSpec `json:"headers,omitempty"`
}

type upstream struct {
	Dial string `json:"dial"`
}

type headerSpec struct {
	Request *headerOps `json:"request,omitempty"`
}

type headerOps struct {
	Set map[string][]string `json:"set,omitempty"`
}

// buildRoute maps a hostname to the artifact prefix: directory requests get
// an index document appended, then every path is rewritten under the bucket
// and prefix and reverse-proxied to object storage with the Host header
// overridden to match the upstream.
func buildRoute(domain, bucket, prefix, upstreamHost string) route {
	return route{
		Match: []matcher{{Host: []string{domain}}},
		Handle: []handler{{
			Handler: "subroute",
			Routes: []route{
				{
					Match:  []matcher{{PathRegexp: &pathRegexp{Pattern: "/$"}}},
					Handle: []handler{{Handler: "rewrite", URI: "{http.request.uri}index.html"}},
				},
				{
					Handle: []handler{
						{Handler: "rewrite", URI: fmt.Sprintf("/%s/%s{http.request.uri}", bucket, prefix)},
						{
							Handler:   "reverse_proxy",
							Upstreams: []upstream{{Dial: upstreamHost}},
							Headers: &headerSpec{Request: &headerOps{
								Set: map[string][]string{"Host": {upstreamHost}},
							}},
						},
					},
				},
			},
		}},
	}
}
