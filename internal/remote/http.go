package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/taskify/tasksync/internal/task"
)

// PrincipalHeader carries the caller's principal on every request.
const PrincipalHeader = "X-Taskify-Principal"

// AuthResponse is the body of POST /v1/auth.
type AuthResponse struct {
	Principal string `json:"principal"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HTTPConfig holds HTTPClient settings.
type HTTPConfig struct {
	// BaseURL of the remote server, e.g. http://localhost:8787.
	BaseURL string

	// Timeout bounds each request (default: 10s). Subscriptions are not
	// bounded by it.
	Timeout time.Duration

	// Principal, if set, is used instead of anonymous sign-in.
	Principal string

	// Logger for subscription activity (default: stderr logger)
	Logger *log.Logger
}

// HTTPClient is a Client talking to internal/server over HTTP, with
// subscriptions carried by a websocket.
type HTTPClient struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	logger  *log.Logger

	mu        sync.Mutex
	principal string
}

// NewHTTPClient creates a client for the server at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &HTTPClient{
		base:      base,
		http:      &http.Client{},
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		principal: cfg.Principal,
	}, nil
}

// Principal returns the principal currently used, empty before Authenticate.
func (c *HTTPClient) Principal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// SetPrincipal sets the principal to send, e.g. one restored from storage.
func (c *HTTPClient) SetPrincipal(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = p
}

// Authenticate implements Client.Authenticate. A known principal is reused;
// otherwise the server issues an anonymous one.
func (c *HTTPClient) Authenticate(ctx context.Context) (string, error) {
	if p := c.Principal(); p != "" {
		return p, nil
	}

	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth", nil, &resp); err != nil {
		return "", err
	}
	if resp.Principal == "" {
		return "", fmt.Errorf("%w: server returned an empty principal", ErrUnauthenticated)
	}

	c.SetPrincipal(resp.Principal)
	return resp.Principal, nil
}

// Ping checks the server's health endpoint. It makes HTTPClient usable as
// a connectivity probe.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Get implements Store.Get.
func (c *HTTPClient) Get(ctx context.Context, id string) (task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// Upsert implements Store.Upsert.
func (c *HTTPClient) Upsert(ctx context.Context, t task.Task) error {
	if err := checkUpsert(t); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, "/v1/tasks/"+url.PathEscape(t.ID), stored(t), nil)
}

// Patch implements Store.Patch.
func (c *HTTPClient) Patch(ctx context.Context, id string, p task.Patch) error {
	p.NotificationID = nil
	return c.do(ctx, http.MethodPatch, "/v1/tasks/"+url.PathEscape(id), p, nil)
}

// Delete implements Store.Delete.
func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(id), nil, nil)
}

// FetchAllForOwner implements Store.FetchAllForOwner.
func (c *HTTPClient) FetchAllForOwner(ctx context.Context, owner string) ([]task.Task, error) {
	var tasks []task.Task
	if err := c.do(ctx, http.MethodGet, "/v1/owners/"+url.PathEscape(owner)+"/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = make([]task.Task, 0)
	}
	return tasks, nil
}

// Subscribe implements Client.Subscribe over a websocket. The server sends
// the current snapshot on connect and a new one after every change. A
// dropped connection is re-established with backoff until cancelled; each
// reconnect delivers a fresh snapshot.
func (c *HTTPClient) Subscribe(ctx context.Context, owner string, fn SnapshotFunc) (func(), error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: subscribe needs an owner", ErrUnauthenticated)
	}

	subCtx, cancel := context.WithCancel(ctx)
	conn, err := c.dial(subCtx, owner)
	if err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readSnapshots(subCtx, owner, conn, fn)
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func (c *HTTPClient) dial(ctx context.Context, owner string) (*websocket.Conn, error) {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/v1/owners/" + url.PathEscape(owner) + "/subscribe"

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader: c.headers(),
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, statusError(resp.StatusCode, "subscribe rejected")
		}
		return nil, fmt.Errorf("%w: failed to subscribe: %v", ErrUnavailable, err)
	}
	conn.SetReadLimit(16 << 20)
	return conn, nil
}

func (c *HTTPClient) readSnapshots(ctx context.Context, owner string, conn *websocket.Conn, fn SnapshotFunc) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		for {
			var snapshot []task.Task
			if err := wsjson.Read(ctx, conn, &snapshot); err != nil {
				if ctx.Err() == nil {
					c.logger.Printf("Subscription for %s dropped: %v", owner, err)
				}
				break
			}
			backoff = time.Second
			if snapshot == nil {
				snapshot = make([]task.Task, 0)
			}
			fn(snapshot)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			next, err := c.dial(ctx, owner)
			if err == nil {
				conn = next
				break
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

func (c *HTTPClient) headers() http.Header {
	h := http.Header{}
	if p := c.Principal(); p != "" {
		h.Set(PrincipalHeader, p)
	}
	return h
}

// do sends one request and decodes a JSON response into out (if non-nil).
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = c.headers()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return statusError(resp.StatusCode, e.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response of %s %s: %v", ErrUnavailable, method, path, err)
	}
	return nil
}

// statusError maps an HTTP status to the package's sentinel errors.
func statusError(code int, msg string) error {
	var base error
	switch {
	case code == http.StatusNotFound:
		base = ErrNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		base = ErrUnauthenticated
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity || code == http.StatusConflict:
		base = ErrRejected
	default:
		base = ErrUnavailable
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	return fmt.Errorf("%w: %s (status %d)", base, msg, code)
}

// StatusCode maps an error back to the HTTP status a server should send.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusForbidden
	case errors.Is(err, ErrRejected), errors.Is(err, task.ErrInvalid):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
