package workerrpc

import (
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cuemby/taskmesh/pkg/security"
	"github.com/cuemby/taskmesh/pkg/types"
)

// Client is a worker-RPC client bound to one worker address. Calls are
// serialized: the wire protocol is strictly request/response with no
// pipelining, so a single mutex around the connection is sufficient.
type Client struct {
	addr  string
	certs *security.CertStore

	mu   sync.Mutex
	conn net.Conn
}

// NewClient returns a Client that lazily dials addr on the first Call.
func NewClient(addr string, certs *security.CertStore) *Client {
	return &Client{addr: addr, certs: certs}
}

// NewClientFromConn returns a Client bound to an already-established
// connection, used by the coordinator topology where the worker dialed in
// and the coordinator drives RPC calls over the accepted connection rather
// than dialing out itself.
func NewClientFromConn(conn net.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", c.addr, c.certs.Connector())
	if err != nil {
		return fmt.Errorf("workerrpc: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	return nil
}

func (c *Client) call(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(); err != nil {
		return Response{}, err
	}

	if err := writeFrame(c.conn, req); err != nil {
		c.conn.Close()
		c.conn = nil
		return Response{}, err
	}

	var resp Response
	if err := readFrame(c.conn, &resp); err != nil {
		c.conn.Close()
		c.conn = nil
		return Response{}, err
	}
	if !resp.OK {
		return resp, fmt.Errorf("workerrpc: %s: %s", req.Op, resp.Err)
	}
	return resp, nil
}

// Ping checks worker liveness, used by the coordinator's watchdog
// (spec.md §4.9). A random tag is sent with every call and checked
// against the echoed response, so a stale or misrouted reply can never be
// mistaken for this ping's answer.
func (c *Client) Ping() error {
	tag := rand.Uint64()
	resp, err := c.call(Request{Op: OpPing, Tag: tag})
	if err != nil {
		return err
	}
	if resp.Tag != tag {
		return fmt.Errorf("workerrpc: ping tag mismatch: sent %d, got %d", tag, resp.Tag)
	}
	return nil
}

// AddTask assigns task to the worker.
func (c *Client) AddTask(task types.Task) error {
	_, err := c.call(Request{Op: OpAddTask, Task: task})
	return err
}

// RemoveTask revokes ownership of taskID from the worker.
func (c *Client) RemoveTask(taskID string) error {
	_, err := c.call(Request{Op: OpRemoveTask, TaskID: taskID})
	return err
}

// Tasks lists the tasks the worker currently believes it owns.
func (c *Client) Tasks() ([]types.Task, error) {
	resp, err := c.call(Request{Op: OpTasks})
	if err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Close releases the underlying connection, if any.
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
