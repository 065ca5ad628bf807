// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package link carries packets and acknowledgements between relays over
// QUIC.
package link

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ticketmix/core/crypto/offchain"
	"github.com/katzenpost/ticketmix/core/tickets"
	"github.com/katzenpost/ticketmix/core/worker"
	"github.com/katzenpost/ticketmix/server/internal/ackprocessor"
	"github.com/katzenpost/ticketmix/server/internal/glue"
	"github.com/katzenpost/ticketmix/server/internal/instrument"
	"github.com/katzenpost/ticketmix/server/internal/interaction"
	"github.com/katzenpost/ticketmix/server/internal/packet"
)

const (
	framePacket byte = 0x01
	frameAck    byte = 0x02

	keepAlivePeriod = 15 * time.Second
	idleTimeout     = 2 * time.Minute
)

var (
	// ErrNoAddress is returned when sending to a peer without a known
	// listener address.
	ErrNoAddress = errors.New("link: no address for peer")

	errInvalidFrame = errors.New("link: invalid frame")
)

type outConn struct {
	sync.Mutex

	conn   *quic.Conn
	stream *quic.Stream
}

func (c *outConn) reset() {
	if c.conn != nil {
		c.conn.CloseWithError(0, "")
	}
	c.conn, c.stream = nil, nil
}

// Link is the relay's connection manager. Each relay dials the peers it
// sends to and reads from the connections its peers dial.
type Link struct {
	worker.Worker
	sync.Mutex

	glue    glue.Glue
	log     *logging.Logger
	metrics *instrument.Recorder

	cert           tls.Certificate
	peers          map[offchain.PublicKey]string
	packetLength   int
	connectTimeout time.Duration

	listeners []*quic.Listener
	out       map[offchain.PublicKey]*outConn
	in        map[*quic.Conn]bool
	closed    bool
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: keepAlivePeriod,
		MaxIdleTimeout:  idleTimeout,
	}
}

// Addresses returns the addresses the link listens on.
func (l *Link) Addresses() []net.Addr {
	var addrs []net.Addr
	for _, ln := range l.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

func (l *Link) isPeer(pk offchain.PublicKey) bool {
	_, ok := l.peers[pk]
	return ok
}

// SendPacket sends a packet to peer, dialing it if needed.
func (l *Link) SendPacket(peer offchain.PublicKey, data []byte) error {
	if len(data) != l.packetLength {
		return fmt.Errorf("link: packet of %d bytes, expected %d", len(data), l.packetLength)
	}
	return l.send(peer, framePacket, data)
}

// SendAck sends an acknowledgement to peer, dialing it if needed.
func (l *Link) SendAck(peer offchain.PublicKey, ack *tickets.Acknowledgement) error {
	return l.send(peer, frameAck, ack.Bytes())
}

func (l *Link) send(peer offchain.PublicKey, typ byte, body []byte) error {
	c, err := l.outConn(peer)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, 1+len(body))
	frame = append(frame, typ)
	frame = append(frame, body...)

	c.Lock()
	defer c.Unlock()

	// A cached connection may have gone away since the last write, in
	// which case it is redialed once.
	for attempt := 0; attempt < 2; attempt++ {
		if c.stream == nil {
			if err = l.dial(c, peer); err != nil {
				return err
			}
		}
		if _, err = c.stream.Write(frame); err == nil {
			return nil
		}
		l.log.Debugf("Write to %v failed: %v", peer, err)
		c.reset()
	}
	return err
}

func (l *Link) outConn(peer offchain.PublicKey) (*outConn, error) {
	l.Lock()
	defer l.Unlock()
	if l.closed {
		return nil, errors.New("link: halted")
	}
	c, ok := l.out[peer]
	if !ok {
		c = new(outConn)
		l.out[peer] = c
	}
	return c, nil
}

// dial must be called with c locked.
func (l *Link) dial(c *outConn, peer offchain.PublicKey) error {
	addr := l.peers[peer]
	if addr == "" {
		return ErrNoAddress
	}
	ctx, cancel := context.WithTimeout(l.HaltCtx(), l.connectTimeout)
	defer cancel()

	tlsConf := tlsConfig(l.cert, func(pk offchain.PublicKey) bool { return pk == peer })
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("link: failed to dial %v: %w", peer, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return fmt.Errorf("link: failed to open stream to %v: %w", peer, err)
	}
	l.log.Debugf("Connected to %v (%v)", peer, addr)
	c.conn, c.stream = conn, stream
	return nil
}

func (l *Link) acceptWorker(ln *quic.Listener) {
	for {
		conn, err := ln.Accept(l.HaltCtx())
		if err != nil {
			if !l.IsHalted() {
				l.log.Errorf("Accept failed: %v", err)
			}
			return
		}
		l.Lock()
		if l.closed {
			l.Unlock()
			conn.CloseWithError(0, "")
			return
		}
		l.in[conn] = true
		l.Unlock()
		l.Go(func() { l.readWorker(conn) })
	}
}

func (l *Link) readWorker(conn *quic.Conn) {
	defer func() {
		conn.CloseWithError(0, "")
		l.Lock()
		delete(l.in, conn)
		l.Unlock()
	}()

	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return
	}
	peer, err := peerKey([][]byte{certs[0].Raw})
	if err != nil {
		l.log.Warningf("Rejecting connection from %v: %v", conn.RemoteAddr(), err)
		return
	}
	stream, err := conn.AcceptStream(l.HaltCtx())
	if err != nil {
		return
	}
	l.log.Debugf("Accepted connection from %v (%v)", peer, conn.RemoteAddr())

	for {
		typ, body, err := l.readFrame(stream)
		if err != nil {
			if !l.IsHalted() && !errors.Is(err, io.EOF) {
				l.log.Debugf("Closing connection from %v: %v", peer, err)
			}
			return
		}
		switch typ {
		case framePacket:
			l.onPacket(peer, body)
		case frameAck:
			l.onAck(peer, body)
		}
	}
}

func (l *Link) readFrame(r io.Reader) (byte, []byte, error) {
	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return 0, nil, err
	}
	var n int
	switch typ[0] {
	case framePacket:
		n = l.packetLength
	case frameAck:
		n = tickets.AcknowledgementLength
	default:
		return 0, nil, errInvalidFrame
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return typ[0], body, nil
}

func (l *Link) onPacket(peer offchain.PublicKey, body []byte) {
	err := l.glue.Interaction().ReceivePacket(body, peer)
	switch {
	case err == nil:
	case errors.Is(err, interaction.ErrRetry):
		l.log.Debugf("Dropping packet from %v: %v", peer, err)
		l.metrics.PacketDropped(instrument.DropQueueFull)
	default:
		l.log.Debugf("Dropping packet from %v: %v", peer, err)
		l.metrics.PacketDropped(instrument.DropTransport)
	}
}

func (l *Link) onAck(peer offchain.PublicKey, body []byte) {
	ack, err := tickets.AcknowledgementFromBytes(body)
	if err == nil {
		_, err = l.glue.AckProcessor().HandleAcknowledgement(ack, peer)
	}
	if err != nil {
		if errors.Is(err, ackprocessor.ErrUnknownAcknowledgement) {
			l.log.Debugf("Ignoring acknowledgement from %v: %v", peer, err)
			return
		}
		l.log.Warningf("Invalid acknowledgement from %v: %v", peer, err)
		l.metrics.PacketDropped(instrument.DropAckInvalid)
	}
}

// Halt closes all connections and listeners.
func (l *Link) Halt() {
	l.Lock()
	l.closed = true
	in := make([]*quic.Conn, 0, len(l.in))
	for conn := range l.in {
		in = append(in, conn)
	}
	l.Unlock()

	for _, conn := range in {
		conn.CloseWithError(0, "")
	}
	for _, ln := range l.listeners {
		ln.Close()
	}
	l.Worker.Halt()

	// Pending dials were aborted by the halt, so the locks are free.
	for _, c := range l.out {
		c.Lock()
		c.reset()
		c.Unlock()
	}
}

// New creates a link listening on the configured addresses. peers maps
// the packet keys of all acceptable peers to their listener addresses,
// which may be empty for peers that are never dialed.
func New(g glue.Glue, peers map[offchain.PublicKey]string) (*Link, error) {
	cfg := g.Config()
	cert, err := certificate(g.PacketKey())
	if err != nil {
		return nil, err
	}
	l := &Link{
		glue:           g,
		log:            g.LogBackend().GetLogger("link"),
		metrics:        g.Metrics(),
		cert:           cert,
		peers:          peers,
		packetLength:   packet.Length(cfg.Sphinx.Geometry()),
		connectTimeout: time.Duration(cfg.Debug.ConnectTimeout) * time.Millisecond,
		out:            make(map[offchain.PublicKey]*outConn),
		in:             make(map[*quic.Conn]bool),
	}

	tlsConf := tlsConfig(cert, l.isPeer)
	for _, v := range cfg.Server.Addresses {
		u, err := url.Parse(v)
		if err != nil {
			l.Halt()
			return nil, err
		}
		ln, err := quic.ListenAddr(u.Host, tlsConf, quicConfig())
		if err != nil {
			l.log.Errorf("Failed to start listener '%v': %v", v, err)
			l.Halt()
			return nil, err
		}
		l.log.Noticef("Listening on %v", ln.Addr())
		l.listeners = append(l.listeners, ln)
		l.Go(func() { l.acceptWorker(ln) })
	}
	return l, nil
}
