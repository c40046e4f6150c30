package main

import (
	"context"
	"errors"
	"log"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nil_vpn/pkg/protocol"
)

// egressFloorBytes sizes the credit floor: a session may run its balance
// negative by at most the price of this many bytes before termination.
const egressFloorBytes = 128 * 1024

// pipe is one direction of a bidirectional datagram transport.
type pipe interface {
	Send(data []byte) error
}

// Server is the payment engine of one peer: it owns the session ledger,
// bills both traffic directions, evaluates submitted tickets, and emits
// invoices. Transport and egress are bonded to it after the offer/answer
// exchange completes.
type Server struct {
	gw      *Gateway
	cashier Cashier // nil disables billing entirely

	mu  sync.Mutex
	led *ledger

	nest *nest

	bondMu sync.Mutex
	pipe   pipe
	inner  EgressConn

	stopOnce      sync.Once
	onStop        func(*Server)
	shutTransport func() error
}

func newServer(gw *Gateway, cashier Cashier, horizon int) *Server {
	return &Server{
		gw:      gw,
		cashier: cashier,
		led:     newLedger(horizon),
		nest:    newNest(),
	}
}

// bill charges the ledger for size bytes. ok gates the caller's send; kill
// means the balance fell through the floor and the session must die.
func (s *Server) bill(size int, force bool) (ok, kill bool) {
	if s.cashier == nil {
		return true, false
	}
	price := s.cashier.Bill(size)
	floor := s.cashier.Bill(egressFloorBytes)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.led.terminated {
		return false, true
	}
	return s.led.bill(price, floor, force)
}

// sendBilled pushes data through p if the ledger allows it, tearing the
// session down when billing trips the floor.
func (s *Server) sendBilled(p pipe, data []byte, force bool) error {
	ok, kill := s.bill(len(data), force)
	if kill {
		s.stop("balance exhausted")
		return nil
	}
	if !ok {
		return nil
	}
	return p.Send(data)
}

// land handles one inbound ciphertext datagram from the bonded channel:
// bill it, then either consume it as control traffic or forward it to the
// bonded egress.
func (s *Server) land(data []byte) {
	if _, kill := s.bill(len(data), true); kill {
		s.stop("balance exhausted")
		return
	}
	src, dst, payload, isUDP, err := protocol.ParseDatagram(data)
	if err != nil {
		// MalformedPacket: drop, no invoice adjustment.
		return
	}
	if isUDP && dst.Port == protocol.ControlPort {
		if s.cashier == nil {
			return
		}
		body := append([]byte(nil), payload...)
		s.nest.hatch(func() {
			s.control(src, dst, body)
		})
		return
	}
	s.bondMu.Lock()
	inner := s.inner
	s.bondMu.Unlock()
	if inner == nil {
		return
	}
	if err := inner.Send(data); err != nil {
		log.Printf("egress send failed: %v", err)
	}
}

// control parses one control datagram and dispatches its commands. Every
// per-command failure is contained so sibling commands and the closing
// invoice still run.
func (s *Server) control(src, dst protocol.Socket, payload []byte) {
	header, window, err := protocol.DecodeHeader(payload)
	if err != nil {
		return
	}
	scanErr := protocol.Scan(window, func(c protocol.Command) {
		if c.Tag != protocol.TagSubmit {
			return
		}
		if err := s.submit(src, dst, header.ID, c.Payload); err != nil {
			log.Printf("submit dropped: %v", err)
		}
	})
	if scanErr != nil {
		return
	}
	s.invoice(dst, src, header.ID)
}

// invoice snapshots the account under the ledger lock and sends the client
// an Invoice command on the control flow from src to dst.
func (s *Server) invoice(src, dst protocol.Socket, id [32]byte) {
	if s.cashier == nil {
		return
	}
	s.mu.Lock()
	serial := s.led.serial
	balance := s.led.projected()
	commit := s.led.commit
	s.mu.Unlock()

	lottery, chain, recipient := s.cashier.Tuple()
	body := protocol.EncodeControl(protocol.Header{ID: id},
		protocol.Command{Tag: protocol.TagStamp, Payload: protocol.EncodeStamp(monotonic())},
		protocol.Command{Tag: protocol.TagInvoice, Payload: protocol.EncodeInvoice(protocol.Invoice{
			Serial:    serial,
			Balance:   s.cashier.Convert(balance),
			Lottery:   lottery,
			Chain:     chain,
			Recipient: recipient,
			Commit:    commit,
		})},
	)
	s.bondMu.Lock()
	p := s.pipe
	s.bondMu.Unlock()
	if p == nil {
		return
	}
	if err := s.sendBilled(p, protocol.BuildDatagram(src, dst, body), true); err != nil {
		log.Printf("invoice send failed: %v", err)
	}
}

// bond attaches the data channel and opens the egress binding. Runs once
// the remote channel lands; an egress failure closes the session without an
// invoice.
func (s *Server) bond(p pipe) error {
	conn, err := s.gw.egress.Open(func(packet []byte) {
		if err := s.sendBilled(p, packet, false); err != nil {
			log.Printf("channel send failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.bondMu.Lock()
	s.pipe = p
	s.inner = conn
	s.bondMu.Unlock()
	s.open()
	return nil
}

// open runs the session-open hook: the initial invoice, when billing is on.
func (s *Server) open() {
	if s.cashier == nil {
		return
	}
	control := protocol.Socket{Addr: netip.IPv4Unspecified(), Port: protocol.ControlPort}
	s.invoice(control, control, [32]byte{})
}

// stop drops the session's registry reference and drains it in the
// background. Safe to call from inside nest tasks.
func (s *Server) stop(reason string) {
	s.stopOnce.Do(func() {
		log.Printf("session stopping: %s", reason)
		if s.onStop != nil {
			s.onStop(s)
		}
		go func() {
			if err := s.shut(context.Background()); err != nil {
				log.Printf("session shutdown: %v", err)
			}
		}()
	})
}

// shut drains in-flight tasks, then tears transport and egress down in
// parallel.
func (s *Server) shut(ctx context.Context) error {
	s.nest.shut()
	s.bondMu.Lock()
	inner := s.inner
	s.inner = nil
	s.pipe = nil
	s.bondMu.Unlock()
	g, _ := errgroup.WithContext(ctx)
	if inner != nil {
		g.Go(inner.Close)
	}
	if s.shutTransport != nil {
		g.Go(s.shutTransport)
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var processStart = time.Now()

// monotonic is the Stamp clock: nanoseconds since process start, immune to
// wall-clock steps.
func monotonic() uint64 {
	return uint64(time.Since(processStart))
}
