package main

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	errReplayedNonce   = errors.New("replayed nonce")
	errStaleIssued     = errors.New("issued below horizon floor")
	errUnknownCommit   = errors.New("unknown commit")
	errDuplicateTicket = errors.New("ticket already pending")
)

// revealRetention keeps retiring commits redeemable for in-flight tickets.
const revealRetention = 60 * time.Second

type reveal struct {
	secret [32]byte
	expire time.Time // zero while this is the active commit
}

type nonceKey struct {
	issued *big.Int
	nonce  common.Hash
	signer common.Address
}

func (k nonceKey) less(o nonceKey) bool {
	if c := k.issued.Cmp(o.issued); c != 0 {
		return c < 0
	}
	if c := bytes.Compare(k.nonce[:], o.nonce[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(k.signer[:], o.signer[:]) < 0
}

func (k nonceKey) id() string {
	buf := make([]byte, 0, 32+32+20)
	var issued [32]byte
	k.issued.FillBytes(issued[:])
	buf = append(buf, issued[:]...)
	buf = append(buf, k.nonce[:]...)
	buf = append(buf, k.signer[:]...)
	return string(buf)
}

// ledger is the per-session accounting state. Every method completes inside
// one critical section; nothing here blocks, so callers may hold the lock
// only through synchronous phases and must do oracle work outside it.
type ledger struct {
	horizon int

	balance *big.Rat // account units, may run negative to -floor
	serial  uint64

	reveals map[common.Hash]reveal
	commit  common.Hash // the single active entry of reveals

	expected map[common.Hash]*big.Rat

	nonces      []nonceKey
	nonceSeen   map[string]struct{}
	issuedFloor *big.Int

	terminated bool
}

func newLedger(horizon int) *ledger {
	l := &ledger{
		horizon:     horizon,
		balance:     new(big.Rat),
		reveals:     make(map[common.Hash]reveal),
		expected:    make(map[common.Hash]*big.Rat),
		nonceSeen:   make(map[string]struct{}),
		issuedFloor: new(big.Int),
	}
	l.rotate(time.Now())
	return l
}

// rotate retires the active commit and installs a fresh secret. Triggered at
// session start and whenever a winning ticket references the active commit.
func (l *ledger) rotate(now time.Time) {
	if prev, ok := l.reveals[l.commit]; ok {
		prev.expire = now
		l.reveals[l.commit] = prev
	}
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		panic(fmt.Sprintf("commit entropy unavailable: %v", err))
	}
	l.commit = crypto.Keccak256Hash(secret[:])
	l.reveals[l.commit] = reveal{secret: secret}
	l.sweepReveals(now)
}

// lookupReveal returns the secret for a commit that is active or still
// inside its retirement retention window.
func (l *ledger) lookupReveal(commit common.Hash, now time.Time) ([32]byte, error) {
	l.sweepReveals(now)
	r, ok := l.reveals[commit]
	if !ok {
		return [32]byte{}, fmt.Errorf("%w: %s", errUnknownCommit, commit)
	}
	if !r.expire.IsZero() && now.After(r.expire.Add(revealRetention)) {
		return [32]byte{}, fmt.Errorf("%w: %s retired", errUnknownCommit, commit)
	}
	return r.secret, nil
}

func (l *ledger) sweepReveals(now time.Time) {
	for commit, r := range l.reveals {
		if !r.expire.IsZero() && now.After(r.expire.Add(revealRetention)) {
			delete(l.reveals, commit)
		}
	}
}

// insertNonce admits (issued, nonce, signer) into the replay window,
// evicting the smallest entries and advancing the floor once the window
// exceeds the horizon.
func (l *ledger) insertNonce(issued *big.Int, nonce common.Hash, signer common.Address) error {
	if issued.Cmp(l.issuedFloor) < 0 {
		return fmt.Errorf("%w: issued %s < floor %s", errStaleIssued, issued, l.issuedFloor)
	}
	k := nonceKey{issued: new(big.Int).Set(issued), nonce: nonce, signer: signer}
	id := k.id()
	if _, dup := l.nonceSeen[id]; dup {
		return fmt.Errorf("%w: %s", errReplayedNonce, nonce)
	}
	at := sort.Search(len(l.nonces), func(i int) bool { return !l.nonces[i].less(k) })
	l.nonces = append(l.nonces, nonceKey{})
	copy(l.nonces[at+1:], l.nonces[at:])
	l.nonces[at] = k
	l.nonceSeen[id] = struct{}{}
	for len(l.nonces) > l.horizon {
		oldest := l.nonces[0]
		l.issuedFloor = new(big.Int).Add(oldest.issued, big.NewInt(1))
		delete(l.nonceSeen, oldest.id())
		l.nonces = l.nonces[1:]
	}
	return nil
}

// bill charges price against the balance and reports whether the caller may
// proceed. kill turns true once the balance sinks strictly below -floor;
// the session owning this ledger must then tear itself down.
func (l *ledger) bill(price, floor *big.Int, force bool) (ok, kill bool) {
	amount := new(big.Rat).SetInt(price)
	if !force && l.balance.Cmp(amount) < 0 {
		return false, false
	}
	l.balance.Sub(l.balance, amount)
	l.serial++
	limit := new(big.Rat).SetInt(new(big.Int).Neg(floor))
	if l.balance.Cmp(limit) >= 0 {
		return true, false
	}
	l.terminated = true
	return false, true
}

// admitExpected records the pending credit of a ticket whose on-chain check
// is in flight, preventing the same hash from being counted twice.
func (l *ledger) admitExpected(ticketHash common.Hash, value *big.Rat) error {
	if _, dup := l.expected[ticketHash]; dup {
		return fmt.Errorf("%w: %s", errDuplicateTicket, ticketHash)
	}
	l.expected[ticketHash] = new(big.Rat).Set(value)
	l.serial++
	return nil
}

// resolveExpected settles a pending credit once the oracle answers.
func (l *ledger) resolveExpected(ticketHash common.Hash, credited bool) {
	value, ok := l.expected[ticketHash]
	if !ok {
		return
	}
	delete(l.expected, ticketHash)
	if credited {
		l.balance.Add(l.balance, value)
	}
	l.serial++
}

// projected is the balance a client should see: settled balance plus every
// in-flight expected credit.
func (l *ledger) projected() *big.Rat {
	out := new(big.Rat).Set(l.balance)
	for _, v := range l.expected {
		out.Add(out, v)
	}
	return out
}
