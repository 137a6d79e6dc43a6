package vmwarden

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vmwarden/vmwarden/internal/authz"
	"github.com/vmwarden/vmwarden/internal/model"
	"github.com/vmwarden/vmwarden/internal/policy"
)

// maxLineSize bounds a single response line.
const maxLineSize = 1 << 20

// Client talks to a running vmwarden daemon over its Unix socket.
// Safe for concurrent use; requests are serialized per connection.
type Client struct {
	cfg  clientConfig
	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Scanner
}

// Response is a routed reply: either a payload or an error envelope.
type Response struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Code    int            `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Err returns a non-nil error when the response is an error envelope.
func (r *Response) Err() error {
	if r.Type == string(model.CmdError) {
		return fmt.Errorf("vmwarden: %d %s", r.Code, r.Message)
	}
	return nil
}

// New creates a Client with the given options. The connection is
// established lazily on first use.
func New(opts ...Option) (*Client, error) {
	cfg := clientConfig{
		source:      "vmwarden-sdk",
		dialTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.socketPath == "" {
		return nil, fmt.Errorf("vmwarden: socket path required")
	}
	return &Client{cfg: cfg}, nil
}

// Send routes one envelope through the daemon and returns the reply.
func (c *Client) Send(ctx context.Context, env *model.Envelope) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("vmwarden: marshal envelope: %w", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.reset()
		return nil, fmt.Errorf("vmwarden: write: %w", err)
	}

	if !c.rd.Scan() {
		err := c.rd.Err()
		c.reset()
		if err != nil {
			return nil, fmt.Errorf("vmwarden: read: %w", err)
		}
		return nil, fmt.Errorf("vmwarden: daemon closed connection")
	}

	var resp Response
	if err := json.Unmarshal(c.rd.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("vmwarden: decode response: %w", err)
	}
	return &resp, nil
}

// Request builds and sends an envelope from the client's source id.
func (c *Client) Request(ctx context.Context, src, dst, cmdType string, payload map[string]any) (*Response, error) {
	if src == "" {
		src = c.cfg.source
	}
	return c.Send(ctx, &model.Envelope{
		Src:     src,
		Dst:     dst,
		Type:    cmdType,
		Payload: payload,
	})
}

// Authorize binds agent to target and returns the session id from the
// reply payload.
func (c *Client) Authorize(ctx context.Context, agent, target string) (string, *Response, error) {
	resp, err := c.Request(ctx, agent, target, string(model.CmdAuthorize), nil)
	if err != nil {
		return "", nil, err
	}
	if err := resp.Err(); err != nil {
		return "", resp, err
	}
	id, _ := resp.Payload["session_id"].(string)
	if id == "" {
		return "", resp, fmt.Errorf("vmwarden: authorize reply missing session_id")
	}
	return id, resp, nil
}

// Heartbeat refreshes a session's liveness.
func (c *Client) Heartbeat(ctx context.Context, agent, sessionID string) error {
	resp, err := c.Send(ctx, &model.Envelope{
		Src:  agent,
		Dst:  "vmwarden",
		Type: string(model.CmdHeartbeat),
		Meta: &model.Meta{SessionID: sessionID},
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rd = nil
	return err
}

func (c *Client) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", c.cfg.socketPath, c.cfg.dialTimeout)
	if err != nil {
		return fmt.Errorf("vmwarden: dial %s: %w", c.cfg.socketPath, err)
	}
	c.conn = conn
	c.rd = bufio.NewScanner(conn)
	c.rd.Buffer(make([]byte, 64*1024), maxLineSize)
	return nil
}

func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.rd = nil
	}
}

// Check evaluates a decision in process against a policy file, without
// a daemon and without logging. The decision logic is identical to the
// daemon's; only the side effects differ.
func Check(policyPath, agent, target, action string) (bool, []string, error) {
	aid, err := model.ParseAgentID(agent)
	if err != nil {
		return false, nil, err
	}
	tid, err := model.ParseTargetID(target)
	if err != nil {
		return false, nil, err
	}
	snap, err := policy.Load(policyPath)
	if err != nil {
		return false, nil, err
	}
	d := authz.Check(snap, aid, tid, model.Command(action))
	return d.Allowed(), d.Trace, nil
}
