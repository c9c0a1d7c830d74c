// Package backend is the client of the project-management REST backend that
// owns projects, tasks, members and meetings.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxResponseSize = 8 << 20
	defaultTimeout  = 30 * time.Second
	tracerName      = "pms-board/backend"
)

var ErrBaseURL = errors.New("backend base url must be absolute")

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Method string
	Route  string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Route, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Route, e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client talks to the backend over HTTP/JSON.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	bearer  string
	logger  *log.Logger
	tracer  trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithBearer sends the token in the Authorization header of every call.
func WithBearer(token string) Option {
	return func(c *Client) { c.bearer = token }
}

// New creates a client for the backend rooted at baseURL.
func New(baseURL string, logger *log.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, ErrBaseURL
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func id(v int64) string { return strconv.FormatInt(v, 10) }

// do issues a request. route is the path template used for spans and errors;
// path is the concrete, already escaped path.
func (c *Client) do(ctx context.Context, method, route, path string, body, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "backend "+method+" "+route, trace.WithSpanKind(trace.SpanKindClient))
	start := time.Now()
	status := 0
	defer func() {
		span.SetAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)
		fields := log.Fields{
			"method":   method,
			"route":    route,
			"status":   status,
			"total_ms": float64(time.Since(start)) / float64(time.Millisecond),
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.WithFields(fields).WithError(err).Warn("backend.request.failed")
		} else {
			span.SetStatus(codes.Ok, "")
			c.logger.WithFields(fields).Debug("backend.request")
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		payload, mErr := sonic.Marshal(body)
		if mErr != nil {
			return mErr
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	lr := io.LimitReader(resp.Body, maxResponseSize)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(lr, 512))
		return &StatusError{Method: method, Route: route, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, lr)
		return nil
	}
	if err := sonic.ConfigStd.NewDecoder(lr).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", route, err)
	}
	return nil
}
