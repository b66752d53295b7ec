// Package types holds the data model shared by every taskmesh component:
// node identities, ingestion tasks, gossip membership, and the bindings the
// central coordinator tracks for each task.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// MemberStatus is the liveness state the gossip runtime assigns a peer.
type MemberStatus int

const (
	StatusAlive MemberStatus = iota
	StatusSuspect
	StatusDown
)

func (s MemberStatus) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspect:
		return "suspect"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

// NodeID identifies a cluster member. Two NodeIDs "have the same prefix"
// (Prefix equality) when version, base URL, and kind all match; Salt is the
// only field a rejoin is allowed to bump.
type NodeID struct {
	Version uint16 `json:"version"`
	Scheme  string `json:"scheme"` // always "wss" on the wire (spec.md §6)
	Host    string `json:"host"`
	Port    uint16 `json:"port"`
	Kind    string `json:"kind"`
	Salt    uint16 `json:"salt"`
}

// Prefix is the part of a NodeID that must stay stable across a rejoin.
type Prefix struct {
	Version uint16
	Scheme  string
	Host    string
	Port    uint16
	Kind    string
}

func (n NodeID) Prefix() Prefix {
	return Prefix{Version: n.Version, Scheme: n.Scheme, Host: n.Host, Port: n.Port, Kind: n.Kind}
}

// SamePrefix reports whether two ids would collide under the "at most one
// Member per (version, base URI, kind)" invariant (spec.md §3).
func (n NodeID) SamePrefix(other NodeID) bool {
	return n.Prefix() == other.Prefix()
}

// Renew produces a copy with Salt+1, the identity bump for a fast rejoin
// after a suspected-dead flap or local restart (spec.md §3). The gossip
// runtime does not call it.
func (n NodeID) Renew() NodeID {
	n.Salt++
	return n
}

// String is the canonical advertised URI, used as the ring's node key, the
// gossip membership key, and the RPC addressing key.
func (n NodeID) String() string {
	return fmt.Sprintf("%s://%s:%d/%s#%d", n.Scheme, n.Host, n.Port, n.Kind, n.Salt)
}

// BaseURL is the advertised URI without kind/salt, the value carried in the
// X-Sender-Host upgrade header (spec.md §4.4, §6).
func (n NodeID) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", n.Scheme, n.Host, n.Port)
}

// Task is a single ingestion unit owned by exactly one worker of a matching
// kind (spec.md §3).
type Task struct {
	ID       uuid.UUID      `json:"id" bson:"_id"`
	EntityID uuid.UUID      `json:"entity_id" bson:"entity_id"`
	Kind     string         `json:"kind" bson:"kind"`
	Params   map[string]any `json:"params" bson:"params"`
}

// Key returns the value the consistent-hash ring tracks: the task's UUID as
// a string.
func (t Task) Key() string {
	return t.ID.String()
}

// Member is a gossip-known peer plus its SWIM liveness state.
type Member struct {
	Node        NodeID
	Status      MemberStatus
	Incarnation uint64
}

// TaskBinding is a task known to the central coordinator's WorkerGroup,
// optionally assigned to a currently-live worker (spec.md §3, §4.9).
type TaskBinding struct {
	Task   Task
	Worker *uuid.UUID // nil when unassigned
}
