package dispatch

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds one full request/response exchange. A request that
// overruns it is abandoned and never retried.
const DefaultTimeout = 30 * time.Second

const dialTimeout = 5 * time.Second

// Client is the session-side half of the dispatch protocol. It keeps one
// connection to the executor open across requests, redialing after an
// error. Safe for concurrent use; requests are serialized on the wire.
type Client struct {
	addr    string
	timeout time.Duration
	log     *zap.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewClient returns a client for the executor at addr.
func NewClient(addr string, log *zap.Logger) *Client {
	return &Client{
		addr:    addr,
		timeout: DefaultTimeout,
		log:     log,
	}
}

// Do sends one request and collects its responses until the terminator
// frame. On any transport error or timeout the connection is dropped, the
// request is abandoned, and the error is returned; the caller must not
// retry.
func (c *Client) Do(req Request) ([]Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("dial executor: %w", err)
		}
		c.conn = conn
	}

	responses, err := c.exchange(req)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, err
	}
	return responses, nil
}

func (c *Client) exchange(req Request) ([]Response, error) {
	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := writeJSONFrame(c.conn, req); err != nil {
		return nil, fmt.Errorf("write request %s: %w", req.ID, err)
	}

	var responses []Response
	for {
		payload, err := readFrame(c.conn)
		if err != nil {
			return nil, fmt.Errorf("read response for %s: %w", req.ID, err)
		}
		if payload == nil {
			return responses, nil
		}

		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, fmt.Errorf("decode response for %s: %w", req.ID, err)
		}
		responses = append(responses, resp)
	}
}

// Close drops the executor connection if one is open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
