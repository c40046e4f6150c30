package main

import (
	"errors"
	"fmt"
	"log"
	"net/netip"
	"sync"

	"github.com/songgao/water"
)

// EgressConn is one session's binding to the egress interface.
type EgressConn interface {
	// Send forwards a tunneled IP packet to the public internet.
	Send(packet []byte) error
	Close() error
}

// Egress hands out per-session bindings on a shared raw IP interface.
// Packets arriving from the internet are delivered to the binding whose
// session last sent from the packet's destination address.
type Egress interface {
	Open(recv func(packet []byte)) (EgressConn, error)
	Close() error
}

var errEgressClosed = errors.New("egress closed")

// tunEgress is the production egress: one shared TUN device, with inbound
// dispatch keyed by the tunneled source addresses each session has used.
type tunEgress struct {
	device *water.Interface

	mu       sync.Mutex
	closed   bool
	bindings map[netip.Addr]*tunConn
}

func newTunEgress(name string) (*tunEgress, error) {
	cfg := water.Config{DeviceType: water.TUN}
	if name != "" {
		cfg.Name = name
	}
	device, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open tun: %w", err)
	}
	e := &tunEgress{
		device:   device,
		bindings: make(map[netip.Addr]*tunConn),
	}
	go e.readLoop()
	log.Printf("egress bound to %s", device.Name())
	return e, nil
}

func (e *tunEgress) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, err := e.device.Read(buf)
		if err != nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if !closed {
				log.Printf("egress read: %v", err)
			}
			return
		}
		packet := append([]byte(nil), buf[:n]...)
		dst, ok := packetDst(packet)
		if !ok {
			continue
		}
		e.mu.Lock()
		conn := e.bindings[dst]
		e.mu.Unlock()
		if conn != nil {
			conn.recv(packet)
		}
	}
}

func (e *tunEgress) Open(recv func(packet []byte)) (EgressConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEgressClosed
	}
	return &tunConn{egress: e, recv: recv}, nil
}

func (e *tunEgress) Close() error {
	e.mu.Lock()
	e.closed = true
	e.bindings = make(map[netip.Addr]*tunConn)
	e.mu.Unlock()
	return e.device.Close()
}

type tunConn struct {
	egress *tunEgress
	recv   func(packet []byte)

	mu     sync.Mutex
	bound  map[netip.Addr]struct{}
	closed bool
}

func (c *tunConn) Send(packet []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errEgressClosed
	}
	c.mu.Unlock()
	if src, ok := packetSrc(packet); ok {
		c.bind(src)
	}
	_, err := c.egress.device.Write(packet)
	return err
}

func (c *tunConn) bind(src netip.Addr) {
	c.mu.Lock()
	if c.bound == nil {
		c.bound = make(map[netip.Addr]struct{})
	}
	if _, done := c.bound[src]; done {
		c.mu.Unlock()
		return
	}
	c.bound[src] = struct{}{}
	c.mu.Unlock()

	c.egress.mu.Lock()
	c.egress.bindings[src] = c
	c.egress.mu.Unlock()
}

func (c *tunConn) Close() error {
	c.mu.Lock()
	c.closed = true
	bound := c.bound
	c.bound = nil
	c.mu.Unlock()

	c.egress.mu.Lock()
	for addr := range bound {
		if c.egress.bindings[addr] == c {
			delete(c.egress.bindings, addr)
		}
	}
	c.egress.mu.Unlock()
	return nil
}

// discardEgress accepts and drops everything; it keeps the server usable on
// hosts without a TUN device (billing and signaling still run).
type discardEgress struct{}

func (discardEgress) Open(func(packet []byte)) (EgressConn, error) { return discardConn{}, nil }
func (discardEgress) Close() error                                 { return nil }

type discardConn struct{}

func (discardConn) Send([]byte) error { return nil }
func (discardConn) Close() error      { return nil }

func packetSrc(packet []byte) (netip.Addr, bool) {
	switch {
	case len(packet) >= 20 && packet[0]>>4 == 4:
		return netip.AddrFrom4([4]byte(packet[12:16])), true
	case len(packet) >= 40 && packet[0]>>4 == 6:
		return netip.AddrFrom16([16]byte(packet[8:24])), true
	}
	return netip.Addr{}, false
}

func packetDst(packet []byte) (netip.Addr, bool) {
	switch {
	case len(packet) >= 20 && packet[0]>>4 == 4:
		return netip.AddrFrom4([4]byte(packet[16:20])), true
	case len(packet) >= 40 && packet[0]>>4 == 6:
		return netip.AddrFrom16([16]byte(packet[24:40])), true
	}
	return netip.Addr{}, false
}
