// Package protocol frames the control channel the server shares with paying
// clients: a fixed header followed by length-prefixed commands, tunneled
// inside UDP datagrams addressed to the reserved control port.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// ControlPort is the reserved UDP port inside the tunneled IP space.
// Datagrams addressed to it are consumed by the server and never forwarded.
const ControlPort = 9529

// Magic prefixes every control datagram.
var Magic = [4]byte{'N', 'V', 'P', 'N'}

// Command tags.
const (
	TagStamp   uint32 = 1
	TagInvoice uint32 = 2
	TagSubmit  uint32 = 3
)

var (
	ErrMalformedPacket = errors.New("malformed packet")
)

// Header opens every control datagram: Magic(4) ‖ Id(32). The id echoes an
// opaque client token so invoices can be correlated.
type Header struct {
	ID [32]byte
}

const headerLen = 4 + 32

// Command is one framed unit after the header. Tag identifies the payload.
type Command struct {
	Tag     uint32
	Payload []byte
}

// EncodeControl assembles a control datagram body: header then commands,
// each framed as Len(2) ‖ Tag(4) ‖ Payload.
func EncodeControl(h Header, commands ...Command) []byte {
	size := headerLen
	for _, c := range commands {
		size += 2 + 4 + len(c.Payload)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, Magic[:]...)
	buf = append(buf, h.ID[:]...)
	for _, c := range commands {
		var pre [6]byte
		binary.BigEndian.PutUint16(pre[:2], uint16(4+len(c.Payload)))
		binary.BigEndian.PutUint32(pre[2:], c.Tag)
		buf = append(buf, pre[:]...)
		buf = append(buf, c.Payload...)
	}
	return buf
}

// DecodeHeader validates the magic and splits off the command stream.
func DecodeHeader(data []byte) (Header, []byte, error) {
	if len(data) < headerLen {
		return Header{}, nil, fmt.Errorf("%w: %d header bytes", ErrMalformedPacket, len(data))
	}
	if [4]byte(data[:4]) != Magic {
		return Header{}, nil, fmt.Errorf("%w: bad magic", ErrMalformedPacket)
	}
	var h Header
	copy(h.ID[:], data[4:headerLen])
	return h, data[headerLen:], nil
}

// Scan walks the framed commands after a header, calling fn for each one
// that frames correctly. A frame whose length prefix overruns the buffer
// aborts the scan; fn errors are the caller's to contain.
func Scan(data []byte, fn func(Command)) error {
	for len(data) > 0 {
		if len(data) < 2 {
			return fmt.Errorf("%w: dangling frame", ErrMalformedPacket)
		}
		n := int(binary.BigEndian.Uint16(data[:2]))
		data = data[2:]
		if n < 4 || n > len(data) {
			return fmt.Errorf("%w: frame length %d", ErrMalformedPacket, n)
		}
		fn(Command{
			Tag:     binary.BigEndian.Uint32(data[:4]),
			Payload: data[4:n],
		})
		data = data[n:]
	}
	return nil
}

// Invoice reports the server's view of the session account.
type Invoice struct {
	Serial    uint64
	Balance   *big.Int // signed, on-chain units
	Lottery   common.Address
	Chain     *big.Int
	Recipient common.Address
	Commit    common.Hash
}

const invoiceLen = 8 + 32 + 20 + 32 + 20 + 32

// EncodeInvoice lays the invoice out as Serial(8) ‖ BalanceComplement(32) ‖
// Lottery(20) ‖ Chain(32) ‖ Recipient(20) ‖ Commit(32). The signed balance
// rides as its unsigned 256-bit complement.
func EncodeInvoice(inv Invoice) []byte {
	buf := make([]byte, 0, invoiceLen)
	var serial [8]byte
	binary.BigEndian.PutUint64(serial[:], inv.Serial)
	buf = append(buf, serial[:]...)
	buf = append(buf, Complement(inv.Balance)...)
	buf = append(buf, inv.Lottery[:]...)
	var chain [32]byte
	inv.Chain.FillBytes(chain[:])
	buf = append(buf, chain[:]...)
	buf = append(buf, inv.Recipient[:]...)
	buf = append(buf, inv.Commit[:]...)
	return buf
}

// DecodeInvoice is the inverse of EncodeInvoice.
func DecodeInvoice(data []byte) (Invoice, error) {
	if len(data) != invoiceLen {
		return Invoice{}, fmt.Errorf("%w: invoice length %d", ErrMalformedPacket, len(data))
	}
	inv := Invoice{
		Serial:  binary.BigEndian.Uint64(data[:8]),
		Balance: Uncomplement(data[8:40]),
		Chain:   new(big.Int).SetBytes(data[60:92]),
	}
	copy(inv.Lottery[:], data[40:60])
	copy(inv.Recipient[:], data[92:112])
	copy(inv.Commit[:], data[112:144])
	return inv, nil
}

// EncodeStamp frames a monotonic clock reading.
func EncodeStamp(monotonic uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], monotonic)
	return buf[:]
}

// Complement encodes a signed amount as an unsigned 256-bit value,
// two's-complement style, for wire compactness.
func Complement(x *big.Int) []byte {
	return math.U256Bytes(new(big.Int).Set(x))
}

// Uncomplement is the inverse of Complement.
func Uncomplement(b []byte) *big.Int {
	x := new(big.Int).SetBytes(b)
	if x.Bit(255) == 1 {
		x.Sub(x, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return x
}
