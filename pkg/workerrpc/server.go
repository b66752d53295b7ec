package workerrpc

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskmesh/pkg/security"
	"github.com/cuemby/taskmesh/pkg/types"
)

// Handler implements the four operations a worker serves to the
// coordinator. Implementations are the worker's own task ownership state.
type Handler interface {
	AddTask(task types.Task) error
	RemoveTask(taskID string) error
	Tasks() []types.Task
}

// Server accepts worker-RPC connections and dispatches frames to a
// Handler. The accept loop follows the same split-channel shape as a
// classic accept/serve RPC loop: accepting the next connection never waits
// on the previous one finishing.
type Server struct {
	certs   *security.CertStore
	handler Handler
	log     zerolog.Logger

	closing chan chan error
}

// NewServer returns a Server dispatching to handler.
func NewServer(certs *security.CertStore, handler Handler, log zerolog.Logger) *Server {
	return &Server{certs: certs, handler: handler, log: log}
}

// Serve binds addr and accepts connections until Shutdown is called.
func (s *Server) Serve(addr string) (int, error) {
	l, err := tls.Listen("tcp", addr, s.certs.Acceptor())
	if err != nil {
		return 0, fmt.Errorf("workerrpc: listen %s: %w", addr, err)
	}
	port := l.Addr().(*net.TCPAddr).Port

	s.closing = make(chan chan error)
	go s.serveLoop(l)

	return port, nil
}

func (s *Server) serveLoop(l net.Listener) {
	accepting := make(chan struct{}, 1)
	serving := make(chan net.Conn, 1)
	accepting <- struct{}{}

	for {
		select {
		case errch := <-s.closing:
			errch <- l.Close()
			return

		case <-accepting:
			go func() {
				conn, err := l.Accept()
				if err != nil {
					return
				}
				serving <- conn
			}()

		case conn := <-serving:
			go s.serveConn(conn)
			accepting <- struct{}{}
		}
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	serveConn(conn, s.handler)
}

// serveConn runs the request/response loop shared by Server (a local
// listener) and DialAndServe (the coordinator topology's
// worker-dialed-out connection): read a Request frame, dispatch it to
// handler, write the Response frame, repeat until the connection errors.
func serveConn(conn net.Conn, handler Handler) {
	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			return
		}

		resp := dispatch(handler, req)
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func dispatch(handler Handler, req Request) Response {
	switch req.Op {
	case OpPing:
		return Response{OK: true, Tag: req.Tag}

	case OpAddTask:
		if err := handler.AddTask(req.Task); err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		return Response{OK: true}

	case OpRemoveTask:
		if err := handler.RemoveTask(req.TaskID); err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		return Response{OK: true}

	case OpTasks:
		return Response{OK: true, Tasks: handler.Tasks()}

	default:
		return Response{OK: false, Err: fmt.Sprintf("workerrpc: unknown op %q", req.Op)}
	}
}

// Shutdown gracefully stops accepting new connections.
func (s *Server) Shutdown() error {
	errch := make(chan error)
	s.closing <- errch
	return <-errch
}
