package workerrpc

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskmesh/pkg/security"
)

// DialAndServe dials the coordinator at addr, announces this worker's
// identity with a Hello frame, and then serves ping/add_task/remove_task/
// tasks requests off the same connection until it errors or closes
// (spec.md §4.9: the worker is the TCP dialer, but the coordinator drives
// every RPC call). It blocks for the lifetime of the connection; callers
// run it in a loop with backoff to survive coordinator restarts.
func DialAndServe(addr string, certs *security.CertStore, hello Hello, handler Handler, log zerolog.Logger) error {
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", addr, certs.Connector())
	if err != nil {
		return fmt.Errorf("workerrpc: dial coordinator %s: %w", addr, err)
	}
	defer conn.Close()

	if err := writeFrame(conn, hello); err != nil {
		return fmt.Errorf("workerrpc: send hello: %w", err)
	}

	log.Debug().Str("coordinator", addr).Str("worker_id", hello.WorkerID.String()).Msg("registered with coordinator")
	serveConn(conn, handler)
	return nil
}

// InboundListener accepts worker-initiated connections for the coordinator
// topology: each accepted connection is read for its Hello frame and
// wrapped in a Client the coordinator uses to drive that worker.
type InboundListener struct {
	ln net.Listener
}

// Listen binds addr for inbound worker connections.
func Listen(addr string, certs *security.CertStore) (*InboundListener, error) {
	ln, err := tls.Listen("tcp", addr, certs.Acceptor())
	if err != nil {
		return nil, fmt.Errorf("workerrpc: listen %s: %w", addr, err)
	}
	return &InboundListener{ln: ln}, nil
}

// Accept blocks for the next worker connection, reads its Hello frame, and
// returns a Client bound to that connection plus the identity it announced.
func (l *InboundListener) Accept() (Hello, *Client, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return Hello{}, nil, err
	}

	var hello Hello
	if err := readFrame(conn, &hello); err != nil {
		conn.Close()
		return Hello{}, nil, fmt.Errorf("workerrpc: read hello: %w", err)
	}

	return hello, NewClientFromConn(conn), nil
}

// Close stops accepting new connections.
func (l *InboundListener) Close() error {
	return l.ln.Close()
}

// Addr returns the bound address, useful when addr was passed as ":0".
func (l *InboundListener) Addr() string {
	return l.ln.Addr().String()
}
