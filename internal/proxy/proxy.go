package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Proxy relays HTTP requests to workers verbatim. Transport failures never
// surface as errors; they become synthesized 502 or 504 responses.
type Proxy struct {
	logger  *zap.Logger
	config  Config
	client  *http.Client
	metrics MetricsCollector

	// Statistics
	stats Stats
}

// Config contains proxy configuration
type Config struct {
	// Timeout bounds one forward end to end, sized for slow device work
	Timeout time.Duration
	// DialTimeout bounds connecting to the worker
	DialTimeout time.Duration
	// MaxIdleConnsPerHost caps pooled keep-alive connections per worker
	MaxIdleConnsPerHost int
}

// DefaultConfig returns the forwarding defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             90 * time.Second,
		DialTimeout:         10 * time.Second,
		MaxIdleConnsPerHost: 16,
	}
}

// Stats tracks forwarding totals
type Stats struct {
	Requests   atomic.Uint64
	BadGateway atomic.Uint64
	Timeouts   atomic.Uint64
	BytesIn    atomic.Uint64
	BytesOut   atomic.Uint64
}

// MetricsCollector observes completed forwards
type MetricsCollector interface {
	ForwardCompleted(method string, status int, duration time.Duration)
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) ForwardCompleted(method string, status int, duration time.Duration) {}

// Option configures a Proxy
type Option func(*Proxy)

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(p *Proxy) {
		if mc != nil {
			p.metrics = mc
		}
	}
}

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) {
		p.client.Transport = rt
	}
}

// Response is a fully buffered worker response or a synthesized failure.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Write copies the response to w.
func (r *Response) Write(w http.ResponseWriter) error {
	dst := w.Header()
	for k, vv := range r.Header {
		dst[k] = append([]string(nil), vv...)
	}
	w.WriteHeader(r.StatusCode)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// New creates a proxy with its own pooled transport.
func New(logger *zap.Logger, config Config, opts ...Option) *Proxy {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultConfig().DialTimeout
	}

	dialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	p := &Proxy{
		logger:  logger.Named("proxy"),
		config:  config,
		metrics: noopMetricsCollector{},
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Forward sends one request to target and returns the worker's response,
// or a 504 on timeout and a 502 on any other transport failure.
func (p *Proxy) Forward(ctx context.Context, method, target string, header http.Header, body []byte) *Response {
	start := time.Now()
	p.stats.Requests.Add(1)
	p.stats.BytesOut.Add(uint64(len(body)))

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	resp := p.do(ctx, method, target, header, body)

	duration := time.Since(start)
	p.metrics.ForwardCompleted(method, resp.StatusCode, duration)
	p.logger.Debug("Forwarded request",
		zap.String("method", method),
		zap.String("target", target),
		zap.Int("status", resp.StatusCode),
		zap.String("request_size", humanize.Bytes(uint64(len(body)))),
		zap.String("response_size", humanize.Bytes(uint64(len(resp.Body)))),
		zap.Duration("duration", duration),
	)

	return resp
}

func (p *Proxy) do(ctx context.Context, method, target string, header http.Header, body []byte) *Response {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		p.logger.Error("Invalid forward request", zap.String("target", target), zap.Error(err))
		return p.failure(http.StatusBadGateway)
	}
	req.Header = outboundHeader(header)

	resp, err := p.client.Do(req)
	if err != nil {
		return p.transportError(target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return p.transportError(target, err)
	}
	p.stats.BytesIn.Add(uint64(len(data)))

	h := resp.Header.Clone()
	removeHopHeaders(h)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     h,
		Body:       data,
	}
}

func (p *Proxy) transportError(target string, err error) *Response {
	status := classify(err)
	if status == http.StatusGatewayTimeout {
		p.logger.Error("Worker timed out", zap.String("target", target), zap.Error(err))
	} else {
		p.logger.Error("Worker unreachable", zap.String("target", target), zap.Error(err))
	}
	return p.failure(status)
}

// classify maps a transport error to a gateway status. A failed dial is a
// 502 even when it timed out; a timeout after connecting is a 504.
func classify(err error) int {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (p *Proxy) failure(status int) *Response {
	if status == http.StatusGatewayTimeout {
		p.stats.Timeouts.Add(1)
	} else {
		p.stats.BadGateway.Add(1)
	}

	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		StatusCode: status,
		Header:     h,
		Body:       []byte(http.StatusText(status)),
	}
}

// CloseIdleConnections drops pooled worker connections.
func (p *Proxy) CloseIdleConnections() {
	p.client.CloseIdleConnections()
}

// GetStats returns forwarding totals
func (p *Proxy) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"requests":    p.stats.Requests.Load(),
		"bad_gateway": p.stats.BadGateway.Load(),
		"timeouts":    p.stats.Timeouts.Load(),
		"bytes_in":    p.stats.BytesIn.Load(),
		"bytes_out":   p.stats.BytesOut.Load(),
	}
}

// Hop-by-hop headers apply to a single connection and are not relayed.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func outboundHeader(in http.Header) http.Header {
	h := in.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopHeaders(h)
	h.Del("Host")
	if _, ok := h["User-Agent"]; !ok {
		// An explicit empty value stops net/http from adding its own.
		h.Set("User-Agent", "")
	}
	return h
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
