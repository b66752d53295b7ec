// Package gossip wraps hashicorp/memberlist's SWIM failure detector into
// the cluster-membership primitive the spec calls for (spec.md §4.5): a
// stream of Member-up/Member-down/Member-update events plus a current
// snapshot, keyed by the fleet's own NodeID rather than memberlist's raw
// node names.
//
// memberlist owns the liveness protocol itself (probing, suspicion,
// anti-entropy), but never touches a raw socket: Start hands it a
// wireTransport (wiretransport.go) that implements memberlist.Transport
// entirely on top of pkg/transport's mutually-authenticated WebSocket
// duplex, so every SWIM packet and stream is mTLS-authenticated and
// Brotli-compressed (spec.md §4.4, §6) before a byte of gossip crosses the
// wire. pkg/dnsresolve backs the accept-side check that a peer's claimed
// sender host actually resolves to the address it dialed in from.
package gossip

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog"

	"github.com/cuemby/taskmesh/pkg/dnsresolve"
	"github.com/cuemby/taskmesh/pkg/security"
	"github.com/cuemby/taskmesh/pkg/types"
)

// EventKind distinguishes the three membership transitions the reconciler
// cares about.
type EventKind int

const (
	MemberUp EventKind = iota
	MemberUpdate
	MemberDown
)

// Event is one membership transition, delivered in the order memberlist
// observed it.
type Event struct {
	Kind   EventKind
	Member types.Member
}

// Config mirrors the subset of spec.md §4.5's gossip tunables the fleet
// exposes; everything else falls back to memberlist's own LAN defaults.
type Config struct {
	BindAddr      string
	BindPort      int
	AdvertiseAddr string
	AdvertisePort int
	Self          types.NodeID

	// Certs is required: the wire transport refuses to start without an
	// mTLS identity (spec.md §4.4).
	Certs *security.CertStore
	// Resolver defaults to dnsresolve.NewSystem() when nil.
	Resolver dnsresolve.Resolver

	GossipInterval time.Duration
	ProbeInterval  time.Duration
	SuspicionMult  int
	Log            zerolog.Logger
}

// Runtime is a running gossip participant. Events flows membership
// transitions to subscribers (typically the reconciler); Members returns a
// point-in-time snapshot.
type Runtime struct {
	ml     *memberlist.Memberlist
	events chan Event
	log    zerolog.Logger
}

type eventDelegate struct {
	events chan Event
	log    zerolog.Logger
}

func memberOf(n *memberlist.Node) (types.Member, bool) {
	id, err := decodeNodeID(n.Meta)
	if err != nil {
		return types.Member{}, false
	}
	// memberlist keeps its SWIM incarnation counter internal and this
	// runtime does not surface it, so Member.Incarnation is left at zero.
	return types.Member{Node: id, Status: types.StatusAlive}, true
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
	m, ok := memberOf(n)
	if !ok {
		d.log.Warn().Str("node", n.Name).Msg("join notification with undecodable metadata")
		return
	}
	d.events <- Event{Kind: MemberUp, Member: m}
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	m, ok := memberOf(n)
	if !ok {
		return
	}
	m.Status = types.StatusDown
	d.events <- Event{Kind: MemberDown, Member: m}
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	m, ok := memberOf(n)
	if !ok {
		return
	}
	d.events <- Event{Kind: MemberUpdate, Member: m}
}

// delegate carries our own NodeID as memberlist node metadata, which is
// how peers recover the struct(scheme, host, port, kind, salt) identity
// behind a bare memberlist node name.
type delegate struct {
	self types.NodeID
}

func (d *delegate) NodeMeta(limit int) []byte {
	b, err := json.Marshal(d.self)
	if err != nil || len(b) > limit {
		return nil
	}
	return b
}

func (d *delegate) NotifyMsg([]byte)                           {}
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

func decodeNodeID(meta []byte) (types.NodeID, error) {
	var id types.NodeID
	if err := json.Unmarshal(meta, &id); err != nil {
		return types.NodeID{}, fmt.Errorf("gossip: decode node metadata: %w", err)
	}
	return id, nil
}

// Start joins the gossip cluster, dialing seeds if given, and begins
// delivering membership events. The returned Runtime must be stopped with
// Leave followed by Shutdown.
func Start(cfg Config, seeds []string) (*Runtime, error) {
	if cfg.Certs == nil {
		return nil, fmt.Errorf("gossip: certs are required for the mTLS transport (spec.md §4.4)")
	}

	wireT := newWireTransport(cfg.Certs, cfg.Resolver, cfg.Self.BaseURL(), cfg.BindAddr, cfg.BindPort, cfg.Log)
	if err := wireT.start(); err != nil {
		return nil, fmt.Errorf("gossip: %w", err)
	}

	conf := memberlist.DefaultLANConfig()
	conf.Name = cfg.Self.String()
	conf.BindAddr = cfg.BindAddr
	conf.BindPort = cfg.BindPort
	conf.Transport = wireT
	if cfg.AdvertiseAddr != "" {
		conf.AdvertiseAddr = cfg.AdvertiseAddr
		conf.AdvertisePort = cfg.AdvertisePort
	}
	if cfg.GossipInterval > 0 {
		conf.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		conf.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.SuspicionMult > 0 {
		conf.SuspicionMult = cfg.SuspicionMult
	}

	events := make(chan Event, 256)
	conf.Delegate = &delegate{self: cfg.Self}
	conf.Events = &eventDelegate{events: events, log: cfg.Log}
	conf.LogOutput = zerologWriter{log: cfg.Log}

	ml, err := memberlist.Create(conf)
	if err != nil {
		wireT.Shutdown()
		return nil, fmt.Errorf("gossip: create memberlist: %w", err)
	}

	if len(seeds) > 0 {
		if _, err := ml.Join(seeds); err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("gossip: join seeds: %w", err)
		}
	}

	return &Runtime{ml: ml, events: events, log: cfg.Log}, nil
}

// Events returns the channel membership transitions are delivered on.
func (r *Runtime) Events() <-chan Event {
	return r.events
}

// Members returns every node memberlist currently believes is alive.
func (r *Runtime) Members() []types.Member {
	nodes := r.ml.Members()
	out := make([]types.Member, 0, len(nodes))
	for _, n := range nodes {
		if m, ok := memberOf(n); ok {
			out = append(out, m)
		}
	}
	return out
}

// NumMembers is a cheap cardinality check of memberlist's current view,
// including this node.
func (r *Runtime) NumMembers() int {
	return r.ml.NumMembers()
}

// Leave broadcasts a graceful departure so peers mark this node down
// immediately rather than waiting out suspicion timeouts.
func (r *Runtime) Leave(timeout time.Duration) error {
	if err := r.ml.Leave(timeout); err != nil {
		return fmt.Errorf("gossip: leave: %w", err)
	}
	return nil
}

// Shutdown stops the local SWIM participant.
func (r *Runtime) Shutdown() error {
	if err := r.ml.Shutdown(); err != nil {
		return fmt.Errorf("gossip: shutdown: %w", err)
	}
	close(r.events)
	return nil
}

// zerologWriter adapts memberlist's standard-library *log.Logger output
// (it only accepts io.Writer, not a structured logger) into our zerolog
// pipeline.
type zerologWriter struct {
	log zerolog.Logger
}

func (w zerologWriter) Write(p []byte) (int, error) {
	w.log.Debug().Str("component", "memberlist").Msg(trimNewline(p))
	return len(p), nil
}

func trimNewline(p []byte) string {
	if n := len(p); n > 0 && p[n-1] == '\n' {
		p = p[:n-1]
	}
	return string(p)
}
