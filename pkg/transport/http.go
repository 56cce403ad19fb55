package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/egorzamaraev/atomix/pkg/protocol"
)

const (
	openSessionEndpoint  = "/api/session/open"
	keepAliveEndpoint    = "/api/session/keepalive"
	closeSessionEndpoint = "/api/session/close"
	commandEndpoint      = "/api/command"
	queryEndpoint        = "/api/query"

	defaultHTTPTimeout = 3 * time.Second
)

// HTTPTransport talks the session protocol over JSON/HTTP against a list of
// cluster members. It sticks to one member until told otherwise.
type HTTPTransport struct {
	client *http.Client

	mu      sync.RWMutex
	members []string
	current int
}

func NewHTTP(members []string) *HTTPTransport {
	clean := make([]string, 0, len(members))
	for _, m := range members {
		clean = append(clean, strings.TrimRight(m, "/"))
	}
	return &HTTPTransport{
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		members: clean,
	}
}

func (t *HTTPTransport) base() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.members) == 0 {
		return ""
	}
	return t.members[t.current]
}

// Rebind points the transport at addr when it is a known or new member, or
// rotates to the next member when addr is empty.
func (t *HTTPTransport) Rebind(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if addr == "" {
		if len(t.members) > 0 {
			t.current = (t.current + 1) % len(t.members)
		}
		return
	}

	addr = strings.TrimRight(addr, "/")
	for i, m := range t.members {
		if m == addr {
			t.current = i
			return
		}
	}
	t.members = append(t.members, addr)
	t.current = len(t.members) - 1
}

// SetMembers replaces the member list, e.g. from a membership watch.
func (t *HTTPTransport) SetMembers(members []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := ""
	if len(t.members) > 0 {
		cur = t.members[t.current]
	}

	t.members = t.members[:0]
	t.current = 0
	for i, m := range members {
		m = strings.TrimRight(m, "/")
		t.members = append(t.members, m)
		if m == cur {
			t.current = i
		}
	}
}

func (t *HTTPTransport) OpenSession(ctx context.Context, req protocol.OpenSessionRequest) (*protocol.OpenSessionResponse, error) {
	return post[protocol.OpenSessionResponse](ctx, t, openSessionEndpoint, req)
}

func (t *HTTPTransport) CloseSession(ctx context.Context, req protocol.CloseSessionRequest) (*protocol.CloseSessionResponse, error) {
	return post[protocol.CloseSessionResponse](ctx, t, closeSessionEndpoint, req)
}

func (t *HTTPTransport) KeepAlive(ctx context.Context, req protocol.KeepAliveRequest) (*protocol.KeepAliveResponse, error) {
	return post[protocol.KeepAliveResponse](ctx, t, keepAliveEndpoint, req)
}

func (t *HTTPTransport) Command(ctx context.Context, req protocol.CommandRequest) (*protocol.CommandResponse, error) {
	return post[protocol.CommandResponse](ctx, t, commandEndpoint, req)
}

func (t *HTTPTransport) Query(ctx context.Context, req protocol.QueryRequest) (*protocol.QueryResponse, error) {
	return post[protocol.QueryResponse](ctx, t, queryEndpoint, req)
}

func post[T any](ctx context.Context, t *HTTPTransport, endpoint string, payload any) (*T, error) {
	base := t.base()
	if base == "" {
		return nil, fmt.Errorf("transport: no members configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("POST %s status=%d body=%s", endpoint, resp.StatusCode, string(data))
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w body=%s", err, string(data))
	}
	return &out, nil
}
