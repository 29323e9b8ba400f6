// Package proxy is the only network egress available to sandboxed scripts.
// Requests are accepted from the local host only, authenticated against the
// lifecycle registry, counted against the per-script quota and checked
// against the allowlist before being forwarded.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coderunr/coderunner/internal/allowlist"
	"github.com/coderunr/coderunner/internal/metrics"
	"github.com/coderunr/coderunner/internal/registry"
	"github.com/coderunr/coderunner/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	// FetchHeader names the resource a script wants to reach
	FetchHeader = "x-script-fetch"
	// IDHeader carries the identifier of the calling script
	IDHeader = "x-script-id"

	missingResource = "missing-resource"

	maxRequestBodySize = 10 << 20
)

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Config holds proxy settings
type Config struct {
	RequestLimit int
	Timeout      time.Duration
	Client       *http.Client
	Metrics      *metrics.Metrics
}

// Proxy forwards allowlisted requests on behalf of running scripts
type Proxy struct {
	registry     *registry.Registry
	allowlist    *allowlist.Allowlist
	client       *http.Client
	requestLimit int64
	timeout      time.Duration
	metrics      *metrics.Metrics
	logger       *logrus.Entry
}

// New creates a proxy. A nil Client gets a default one that does not follow
// redirects, so a permitted host cannot bounce the script elsewhere.
func New(reg *registry.Registry, allow *allowlist.Allowlist, cfg Config) *Proxy {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return &Proxy{
		registry:     reg,
		allowlist:    allow,
		client:       client,
		requestLimit: int64(cfg.RequestLimit),
		timeout:      cfg.Timeout,
		metrics:      cfg.Metrics,
		logger:       logrus.WithField("component", "proxy"),
	}
}

// ServeHTTP applies the admission checks in order and forwards the request
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isLocal(r.RemoteAddr) {
		p.logger.Warnf("Ignoring proxy request from %s", r.RemoteAddr)
		p.reject(w, types.ErrProxyForbidden, "forbidden")
		return
	}

	resource := r.Header.Get(FetchHeader)
	if resource == "" {
		resource = missingResource
	}
	scriptID := r.Header.Get(IDHeader)

	if scriptID == "" || !p.registry.IsAuthorized(scriptID) {
		p.reject(w, types.ErrProxyUnauthorized, "bad auth")
		return
	}

	count, err := p.registry.IncrementAndGet(scriptID)
	if err != nil {
		// The script finished between the two registry calls
		p.reject(w, types.ErrProxyUnauthorized, "bad auth")
		return
	}
	if count > p.requestLimit {
		p.reject(w, types.ErrProxyQuotaExceeded,
			fmt.Sprintf("too many requests, max requests per script: %d", p.requestLimit))
		return
	}

	logger := p.logger.WithFields(logrus.Fields{
		"script_id": scriptID,
		"resource":  resource,
	})

	if !p.allowlist.Allowed(resource) {
		logger.Info("Blocked proxy request")
		p.reject(w, types.ErrProxyResourceDenied, p.allowlist.DeniedMessage())
		return
	}
	logger.Info("Proxying request")

	if err := p.forward(w, r, resource); err != nil {
		logger.WithError(err).Warn("Error while proxying")
		p.metrics.ObserveProxy(types.ErrProxyUpstreamFailure.String())
		w.WriteHeader(types.ErrProxyUpstreamFailure.StatusCode())
		return
	}
	p.metrics.ObserveProxy("forwarded")
}

// forward performs the upstream request and streams the response back. It
// returns an error only when nothing has been written to w yet.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, resource string) error {
	ctx := r.Context()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var body io.Reader = http.NoBody
	if r.ContentLength != 0 {
		body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, resource, body)
	if err != nil {
		return fmt.Errorf("failed to build upstream request: %w", err)
	}
	outReq.ContentLength = r.ContentLength
	outReq.Header = forwardHeaders(r.Header)

	resp, err := p.client.Do(outReq)
	if err != nil {
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	removeHopByHopHeaders(resp.Header)
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.WithError(err).Debug("Response body copy error")
	}
	return nil
}

func (p *Proxy) reject(w http.ResponseWriter, kind types.ErrorKind, message string) {
	p.metrics.ObserveProxy(kind.String())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(kind.StatusCode())
	_, _ = io.WriteString(w, message)
}

// forwardHeaders copies the caller's headers minus the proxy control headers
// and hop-by-hop headers
func forwardHeaders(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	for key := range out {
		if strings.HasPrefix(strings.ToLower(key), "x-script-") {
			out.Del(key)
		}
	}
	removeHopByHopHeaders(out)
	return out
}

func removeHopByHopHeaders(h http.Header) {
	// Headers named in Connection are hop-by-hop too
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// isLocal reports whether the peer address is a loopback address
func isLocal(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
