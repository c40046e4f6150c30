// Package lottery implements the probabilistic payment ticket: its wire
// codec, its typed keccak hash, and signer recovery.
//
// A ticket commits the funder to paying Face with probability
// (Ratio+1)/2^128; the win is decided by a server secret revealed after the
// ticket was issued, so neither side can bias the draw.
package lottery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMalformedTicket = errors.New("malformed ticket")

	// GrabDomain separates ticket hashes from every other signed payload of
	// the redemption contract.
	GrabDomain = crypto.Keccak256Hash([]byte("NilVPN.grab"))

	signedMessagePrefix = []byte("\x19Ethereum Signed Message:\n32")

	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

// Ticket is the payment record a client submits over the control channel.
// Immutable once decoded.
type Ticket struct {
	V      uint8
	R      [32]byte
	S      [32]byte
	Commit common.Hash

	Issued *big.Int // uint256, seconds
	Nonce  common.Hash

	Lottery common.Address
	Chain   *big.Int // uint256

	Face  *big.Int // uint128, on-chain units
	Ratio *big.Int // uint128, win probability numerator over 2^128

	Start *big.Int // uint256, seconds
	Range *big.Int // uint128, seconds

	Funder    common.Address
	Recipient common.Address

	Receipt []byte
}

// Wire layout of the fixed prefix, in order. The receipt blob follows with a
// uint16 big-endian length prefix.
const fixedLen = 1 + 32 + 32 + 32 + 32 + 32 + 20 + 32 + 16 + 16 + 32 + 16 + 20 + 20

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

var ticketArgs = abi.Arguments{
	{Type: mustType("bytes32")}, // domain
	{Type: mustType("bytes32")}, // commit
	{Type: mustType("uint256")}, // issued
	{Type: mustType("bytes32")}, // nonce
	{Type: mustType("address")}, // lottery
	{Type: mustType("uint256")}, // chain
	{Type: mustType("uint128")}, // face
	{Type: mustType("uint128")}, // ratio
	{Type: mustType("uint256")}, // start
	{Type: mustType("uint128")}, // range
	{Type: mustType("address")}, // funder
	{Type: mustType("address")}, // recipient
	{Type: mustType("bytes")},   // receipt
}

// Decode parses a Submit payload. Parsing is strict: short buffers, trailing
// bytes, and out-of-range fields all fail with ErrMalformedTicket.
func Decode(data []byte) (*Ticket, error) {
	if len(data) < fixedLen+2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedTicket, len(data))
	}
	t := &Ticket{}
	off := 0
	t.V = data[off]
	off++
	off += copy(t.R[:], data[off:off+32])
	off += copy(t.S[:], data[off:off+32])
	off += copy(t.Commit[:], data[off:off+32])
	t.Issued = new(big.Int).SetBytes(data[off : off+32])
	off += 32
	off += copy(t.Nonce[:], data[off:off+32])
	t.Lottery = common.BytesToAddress(data[off : off+20])
	off += 20
	t.Chain = new(big.Int).SetBytes(data[off : off+32])
	off += 32
	t.Face = new(big.Int).SetBytes(data[off : off+16])
	off += 16
	t.Ratio = new(big.Int).SetBytes(data[off : off+16])
	off += 16
	t.Start = new(big.Int).SetBytes(data[off : off+32])
	off += 32
	t.Range = new(big.Int).SetBytes(data[off : off+16])
	off += 16
	t.Funder = common.BytesToAddress(data[off : off+20])
	off += 20
	t.Recipient = common.BytesToAddress(data[off : off+20])
	off += 20
	n := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) != off+n {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedTicket, len(data)-off-n)
	}
	t.Receipt = make([]byte, n)
	copy(t.Receipt, data[off:off+n])
	switch t.V {
	case 0, 1, 27, 28:
	default:
		return nil, fmt.Errorf("%w: recovery id %d", ErrMalformedTicket, t.V)
	}
	return t, nil
}

// Encode is the inverse of Decode.
func (t *Ticket) Encode() []byte {
	buf := make([]byte, 0, fixedLen+2+len(t.Receipt))
	buf = append(buf, t.V)
	buf = append(buf, t.R[:]...)
	buf = append(buf, t.S[:]...)
	buf = append(buf, t.Commit[:]...)
	buf = append(buf, pad32(t.Issued)...)
	buf = append(buf, t.Nonce[:]...)
	buf = append(buf, t.Lottery[:]...)
	buf = append(buf, pad32(t.Chain)...)
	buf = append(buf, pad16(t.Face)...)
	buf = append(buf, pad16(t.Ratio)...)
	buf = append(buf, pad32(t.Start)...)
	buf = append(buf, pad16(t.Range)...)
	buf = append(buf, t.Funder[:]...)
	buf = append(buf, t.Recipient[:]...)
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(t.Receipt)))
	buf = append(buf, n[:]...)
	buf = append(buf, t.Receipt...)
	return buf
}

// Hash is the abi-encoded keccak digest the funder signs, bound to the grab
// domain so it cannot be replayed against another contract method.
func (t *Ticket) Hash() (common.Hash, error) {
	packed, err := ticketArgs.Pack(
		GrabDomain,
		[32]byte(t.Commit),
		t.Issued,
		[32]byte(t.Nonce),
		t.Lottery,
		t.Chain,
		t.Face,
		t.Ratio,
		t.Start,
		t.Range,
		t.Funder,
		t.Recipient,
		t.Receipt,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrMalformedTicket, err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// SignedDigest wraps a ticket hash in the Ethereum signed-message envelope.
func SignedDigest(ticketHash common.Hash) []byte {
	return crypto.Keccak256(signedMessagePrefix, ticketHash.Bytes())
}

// RecoverSigner returns the address that signed the ticket hash.
func (t *Ticket) RecoverSigner(ticketHash common.Hash) (common.Address, error) {
	v := t.V
	if v >= 27 {
		v -= 27
	}
	sig := make([]byte, 65)
	copy(sig[:32], t.R[:])
	copy(sig[32:64], t.S[:])
	sig[64] = v
	pub, err := crypto.SigToPub(SignedDigest(ticketHash), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedTicket, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Winner reports whether the revealed server secret makes this ticket pay.
// The draw is the low 128 bits of keccak(reveal ‖ issued ‖ nonce).
func Winner(reveal [32]byte, issued *big.Int, nonce common.Hash, ratio *big.Int) bool {
	digest := crypto.Keccak256(reveal[:], pad32(issued), nonce.Bytes())
	draw := new(big.Int).SetBytes(digest[16:])
	return draw.Cmp(ratio) <= 0
}

// FitsWire reports whether every field is inside its wire range. Encode on a
// ticket that does not fit would silently truncate.
func (t *Ticket) FitsWire() bool {
	if t.Issued.BitLen() > 256 || t.Chain.BitLen() > 256 || t.Start.BitLen() > 256 {
		return false
	}
	if t.Face.Cmp(maxUint128) > 0 || t.Ratio.Cmp(maxUint128) > 0 || t.Range.Cmp(maxUint128) > 0 {
		return false
	}
	return len(t.Receipt) <= 0xffff
}

func pad32(x *big.Int) []byte {
	var out [32]byte
	x.FillBytes(out[:])
	return out[:]
}

func pad16(x *big.Int) []byte {
	var out [16]byte
	x.FillBytes(out[:])
	return out[:]
}
