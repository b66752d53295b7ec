package gossip

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog"

	"github.com/cuemby/taskmesh/pkg/dnsresolve"
	"github.com/cuemby/taskmesh/pkg/security"
	"github.com/cuemby/taskmesh/pkg/transport"
)

// dialTimeout bounds the packet and stream dials wireTransport performs on
// memberlist's behalf; memberlist's own probe/suspicion timers are far
// longer than this; a dial that can't complete in this window is not one
// memberlist should keep waiting on.
const dialTimeout = 5 * time.Second

// wireKind tags the first frame of every connection this transport
// accepts, so one mTLS WebSocket acceptor can serve both of memberlist's
// channels: best-effort packets (probes, pings, suspicion gossip) and
// reliable streams (push/pull anti-entropy).
type wireKind uint8

const (
	wireKindPacket wireKind = iota
	wireKindStream
)

// wireTransport implements memberlist.Transport over pkg/transport's
// mutually-authenticated WebSocket duplex (spec.md §4.4), so every byte of
// SWIM traffic is mTLS-authenticated and Brotli-compressed on the wire
// instead of riding memberlist's own plain UDP/TCP path. pkg/dnsresolve
// backs the accept-side check that an inbound peer's claimed host actually
// resolves to the address it dialed from (spec.md's transport-authentication
// property).
type wireTransport struct {
	certs    *security.CertStore
	resolver dnsresolve.Resolver
	selfURL  string
	bindAddr string
	bindPort int
	log      zerolog.Logger

	server      *transport.Server
	shutdownSrv func(context.Context) error

	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	mu          sync.Mutex
	packetConns map[string]*transport.Conn // baseURL -> established packet-kind conn
}

func newWireTransport(certs *security.CertStore, resolver dnsresolve.Resolver, selfURL, bindAddr string, bindPort int, log zerolog.Logger) *wireTransport {
	if resolver == nil {
		resolver = dnsresolve.NewSystem()
	}
	return &wireTransport{
		certs:       certs,
		resolver:    resolver,
		selfURL:     selfURL,
		bindAddr:    bindAddr,
		bindPort:    bindPort,
		log:         log,
		packetCh:    make(chan *memberlist.Packet, 1024),
		streamCh:    make(chan net.Conn, 64),
		packetConns: make(map[string]*transport.Conn),
	}
}

// start binds the acceptor. Must be called before handing the transport to
// memberlist.Create.
func (t *wireTransport) start() error {
	t.server = transport.NewServer(t.certs, t.log, t.handleAccept)
	shutdown, err := t.server.Listen(fmt.Sprintf("%s:%d", t.bindAddr, t.bindPort))
	if err != nil {
		return fmt.Errorf("gossip transport: listen: %w", err)
	}
	t.shutdownSrv = shutdown
	return nil
}

// handleAccept validates the inbound peer's claimed sender host against DNS
// and then routes the connection onto whichever of memberlist's two
// channels its first frame names.
func (t *wireTransport) handleAccept(c *transport.Conn) {
	if err := t.authenticate(c); err != nil {
		t.log.Warn().Err(err).Str("claimed_host", c.PeerHost).Msg("gossip transport: rejecting connection, sender host did not verify")
		c.Close()
		return
	}

	var kind wireKind
	if err := c.Recv(&kind); err != nil {
		c.Close()
		return
	}
	switch kind {
	case wireKindPacket:
		go t.servePacketConn(c)
	case wireKindStream:
		t.streamCh <- newWireNetConn(c, t.localAddr(), c.RemoteAddr())
	default:
		t.log.Warn().Int("kind", int(kind)).Msg("gossip transport: unknown frame kind on accept")
		c.Close()
	}
}

// authenticate implements the testable property that any connection whose
// claimed X-Sender-Host fails a DNS-name match against the address it
// actually dialed in from is rejected before a single gossip frame is
// trusted.
func (t *wireTransport) authenticate(c *transport.Conn) error {
	if c.PeerHost == "" {
		return fmt.Errorf("gossip transport: no %s header presented", transport.SenderHostHeader)
	}
	claimedHost, err := hostFromBaseURL(c.PeerHost)
	if err != nil {
		return err
	}
	remoteHost, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return fmt.Errorf("gossip transport: parse remote address: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	addrs, err := t.resolver.LookupHost(ctx, claimedHost)
	if err != nil {
		return fmt.Errorf("gossip transport: resolve claimed host %q: %w", claimedHost, err)
	}
	for _, a := range addrs {
		if a == remoteHost {
			return nil
		}
	}
	return fmt.Errorf("gossip transport: claimed host %q does not resolve to dialing address %q", claimedHost, remoteHost)
}

func hostFromBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("gossip transport: parse %q: %w", raw, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("gossip transport: %q has no host", raw)
	}
	return host, nil
}

func (t *wireTransport) servePacketConn(c *transport.Conn) {
	defer c.Close()
	remote := c.RemoteAddr()
	for {
		var payload []byte
		if err := c.Recv(&payload); err != nil {
			return
		}
		select {
		case t.packetCh <- &memberlist.Packet{Buf: payload, From: remote, Timestamp: time.Now()}:
		default:
			t.log.Warn().Msg("gossip transport: dropping inbound packet, receiver is backed up")
		}
	}
}

// FinalAdvertiseAddr resolves the address memberlist should gossip about
// itself as (memberlist.Transport's contract).
func (t *wireTransport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	if ip != "" {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return nil, 0, fmt.Errorf("gossip transport: invalid advertise address %q", ip)
		}
		return parsed, port, nil
	}
	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", t.bindAddr, t.bindPort))
	if err != nil {
		return nil, 0, fmt.Errorf("gossip transport: resolve bind address: %w", err)
	}
	if addr.IP == nil || addr.IP.IsUnspecified() {
		return nil, 0, fmt.Errorf("gossip transport: bind address %q is not routable; set AdvertiseAddr", t.bindAddr)
	}
	return addr.IP, port, nil
}

// WriteTo sends a best-effort SWIM packet to addr over a pooled, long-lived
// connection, dialing one (with a DNS lookup of addr's host) on first use.
func (t *wireTransport) WriteTo(b []byte, addr string) (time.Time, error) {
	now := time.Now()
	conn, err := t.packetConnFor(addr)
	if err != nil {
		return now, err
	}
	if err := conn.Send(b); err != nil {
		t.dropPacketConn(addr)
		return now, fmt.Errorf("gossip transport: write packet to %s: %w", addr, err)
	}
	return now, nil
}

func (t *wireTransport) packetConnFor(addr string) (*transport.Conn, error) {
	baseURL, err := t.resolveBaseURL(addr)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if c, ok := t.packetConns[baseURL]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := transport.Dial(ctx, t.certs, baseURL, t.selfURL)
	if err != nil {
		return nil, fmt.Errorf("gossip transport: dial %s: %w", addr, err)
	}
	if err := conn.Send(wireKindPacket); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gossip transport: send frame kind to %s: %w", addr, err)
	}

	t.mu.Lock()
	t.packetConns[baseURL] = conn
	t.mu.Unlock()
	return conn, nil
}

func (t *wireTransport) dropPacketConn(addr string) {
	baseURL, err := t.resolveBaseURL(addr)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.packetConns[baseURL]; ok {
		c.Close()
		delete(t.packetConns, baseURL)
	}
}

func (t *wireTransport) resolveBaseURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("gossip transport: parse addr %q: %w", addr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	addrs, err := t.resolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("gossip transport: resolve %q: %w", host, err)
	}
	return fmt.Sprintf("wss://%s:%s", addrs[0], port), nil
}

// PacketCh returns the channel memberlist reads inbound packets from.
func (t *wireTransport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

// DialTimeout opens a new connection for one of memberlist's push/pull
// state-sync exchanges and hands it back as a net.Conn.
func (t *wireTransport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	baseURL, err := t.resolveBaseURL(addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	conn, err := transport.Dial(ctx, t.certs, baseURL, t.selfURL)
	if err != nil {
		return nil, fmt.Errorf("gossip transport: dial stream %s: %w", addr, err)
	}
	if err := conn.Send(wireKindStream); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gossip transport: send frame kind to %s: %w", addr, err)
	}
	return newWireNetConn(conn, t.localAddr(), conn.RemoteAddr()), nil
}

// StreamCh returns the channel memberlist reads inbound state-sync
// connections from.
func (t *wireTransport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// Shutdown closes the acceptor and every pooled packet connection.
func (t *wireTransport) Shutdown() error {
	t.mu.Lock()
	for k, c := range t.packetConns {
		c.Close()
		delete(t.packetConns, k)
	}
	t.mu.Unlock()

	if t.shutdownSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := t.shutdownSrv(ctx); err != nil {
		return fmt.Errorf("gossip transport: shutdown: %w", err)
	}
	return nil
}

func (t *wireTransport) localAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(t.bindAddr), Port: t.bindPort}
}
