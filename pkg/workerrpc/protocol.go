// Package workerrpc is the custom task-assignment protocol the central
// coordinator speaks to a worker (spec.md §4.8): a small, length-prefixed
// gob wire format distinct from gRPC, carrying four operations — ping,
// add_task, remove_task, and tasks (list current ownership).
package workerrpc

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/cuemby/taskmesh/pkg/types"
)

// Op names the four operations the protocol supports.
type Op string

const (
	OpPing       Op = "ping"
	OpAddTask    Op = "add_task"
	OpRemoveTask Op = "remove_task"
	OpTasks      Op = "tasks"
)

// maxFrameSize bounds a single frame so a corrupt or hostile length prefix
// can't make a reader allocate unbounded memory.
const maxFrameSize = 16 << 20

// Request is the envelope for every call a coordinator makes to a worker.
type Request struct {
	Op     Op
	Task   types.Task
	TaskID string
	Tag    uint64 // ping nonce, echoed back in Response.Tag
}

// Response is the envelope for every worker reply.
type Response struct {
	OK    bool
	Err   string
	Tasks []types.Task
	Tag   uint64
}

// Hello is the one frame a worker sends immediately after dialing the
// coordinator, in place of the HTTP upgrade headers a plain-websocket
// accept would read (spec.md §4.9's Sg-Worker-ID/Sg-Worker-Kind). It lets
// the coordinator register the connection with the right WorkerGroup
// before the connection starts carrying ping/add_task/remove_task/tasks
// traffic in the opposite direction.
type Hello struct {
	WorkerID uuid.UUID
	Kind     string
}

// writeFrame gob-encodes v and writes it as one length-prefixed frame:
// a 4-byte big-endian length followed by that many bytes of gob payload.
func writeFrame(w io.Writer, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("workerrpc: encode frame: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("workerrpc: write frame length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("workerrpc: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame and gob-decodes it into v.
func readFrame(r io.Reader, v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return fmt.Errorf("workerrpc: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return fmt.Errorf("workerrpc: frame of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("workerrpc: read frame body: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return fmt.Errorf("workerrpc: decode frame body: %w", err)
	}
	return nil
}
