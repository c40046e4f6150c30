package main

import (
	"crypto/ecdsa"
	"crypto/rand"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"nil_vpn/pkg/lottery"
	"nil_vpn/pkg/protocol"
)

var maxRatio = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// signTicket fills V/R/S so key is the recovered signer.
func signTicket(t *testing.T, ticket *lottery.Ticket, key *ecdsa.PrivateKey) {
	t.Helper()
	hash, err := ticket.Hash()
	require.NoError(t, err)
	sig, err := crypto.Sign(lottery.SignedDigest(hash), key)
	require.NoError(t, err)
	copy(ticket.R[:], sig[:32])
	copy(ticket.S[:], sig[32:64])
	ticket.V = sig[64] + 27
}

// rigTicket builds a signed ticket against the rig's active commit. With
// ratio zero it re-rolls the nonce until the ticket loses, so loser tests
// are deterministic.
func rigTicket(t *testing.T, rig *testRig, key *ecdsa.PrivateKey, ratio *big.Int) *lottery.Ticket {
	t.Helper()
	rig.srv.mu.Lock()
	commit := rig.srv.led.commit
	secret, err := rig.srv.led.lookupReveal(commit, time.Now())
	rig.srv.mu.Unlock()
	require.NoError(t, err)

	now := time.Now().Unix()
	ticket := &lottery.Ticket{
		Commit:    commit,
		Issued:    big.NewInt(now),
		Lottery:   rig.cashier.lottery,
		Chain:     new(big.Int).Set(rig.cashier.chain),
		Face:      big.NewInt(1_000_000_000),
		Ratio:     new(big.Int).Set(ratio),
		Start:     big.NewInt(now - 10),
		Range:     big.NewInt(3600),
		Recipient: rig.cashier.recipient,
		Receipt:   []byte{},
	}
	for {
		if _, err := rand.Read(ticket.Nonce[:]); err != nil {
			t.Fatal(err)
		}
		if ratio.Sign() > 0 || !lottery.Winner(secret, ticket.Issued, ticket.Nonce, ratio) {
			break
		}
	}
	ticket.Funder = crypto.PubkeyToAddress(key.PublicKey)
	signTicket(t, ticket, key)
	return ticket
}

func submitDatagram(ticket *lottery.Ticket, id [32]byte) []byte {
	body := protocol.EncodeControl(protocol.Header{ID: id},
		protocol.Command{Tag: protocol.TagSubmit, Payload: ticket.Encode()},
	)
	return protocol.BuildDatagram(clientSock, controlSock, body)
}

func TestSubmitHonestLoser(t *testing.T) {
	rig := newTestRig(t, newFakeCashier())
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ticket := rigTicket(t, rig, key, new(big.Int))

	rig.srv.mu.Lock()
	serial := rig.srv.led.serial
	rig.srv.mu.Unlock()

	rig.srv.land(submitDatagram(ticket, [32]byte{7}))
	// The closing invoice lands only after the submit task's synchronous
	// phase, settlement included by then, has been hatched.
	require.Eventually(t, func() bool { return rig.pipe.count() >= 2 }, time.Second, time.Millisecond)
	rig.drain()

	rig.srv.mu.Lock()
	defer rig.srv.mu.Unlock()
	// The losing ticket was admitted and resolved; a valid ticket credits
	// its expected value E = profit/2^128 at ratio zero, nothing more.
	require.Empty(t, rig.srv.led.expected)
	wantCredit := new(big.Rat).SetFrac(big.NewInt(1_000_000_000), two128)
	require.Zero(t, rig.srv.led.balance.Cmp(wantCredit))
	require.Greater(t, rig.srv.led.serial, serial+1, "admit and resolve both bump the serial")
	require.Zero(t, rig.cashier.grabCount(), "losers are never redeemed")

	invs := rig.pipe.invoices(t)
	require.Len(t, invs, 2, "session open plus submission reply")
	require.Greater(t, invs[1].Serial, invs[0].Serial)
}

func TestSubmitWinnerRotatesAndGrabs(t *testing.T) {
	rig := newTestRig(t, newFakeCashier())
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ticket := rigTicket(t, rig, key, maxRatio)

	rig.srv.mu.Lock()
	before := rig.srv.led.commit
	secret, err := rig.srv.led.lookupReveal(before, time.Now())
	rig.srv.mu.Unlock()
	require.NoError(t, err)

	rig.srv.land(submitDatagram(ticket, [32]byte{8}))
	require.Eventually(t, func() bool { return rig.pipe.count() >= 2 }, time.Second, time.Millisecond)
	rig.drain()

	rig.srv.mu.Lock()
	rotated := rig.srv.led.commit
	rig.srv.mu.Unlock()
	require.NotEqual(t, before, rotated, "a winner against the active commit rotates it")

	rig.cashier.mu.Lock()
	defer rig.cashier.mu.Unlock()
	require.Len(t, rig.cashier.grabs, 1)
	grab := rig.cashier.grabs[0]
	require.Equal(t, "grab", grab.method)
	require.Equal(t, uint64(grabGas), grab.gas)
	require.Equal(t, secret, grab.args[0])
	require.Equal(t, [32]byte(ticket.Commit), grab.args[1])
	require.Zero(t, ticket.Issued.Cmp(grab.args[2].(*big.Int)))
	require.Equal(t, [32]byte(ticket.Nonce), grab.args[3])
	require.Equal(t, ticket.V, grab.args[4])
	require.Equal(t, ticket.R, grab.args[5])
	require.Equal(t, ticket.S, grab.args[6])
	require.Equal(t, ticket.Funder, grab.args[11])
	require.Equal(t, ticket.Recipient, grab.args[12])
	require.Empty(t, grab.args[14].([][32]byte), "the revocation list rides empty")

	// The next invoice carries the rotated commit.
	invs := rig.pipe.invoices(t)
	require.Equal(t, rotated, invs[len(invs)-1].Commit)

	// The credited expected value reached the balance.
	rig.srv.mu.Lock()
	defer rig.srv.mu.Unlock()
	require.Empty(t, rig.srv.led.expected)
	require.Positive(t, rig.srv.led.balance.Sign())
}

func TestSubmitSecondWinnerAgainstRetiringCommit(t *testing.T) {
	rig := newTestRig(t, newFakeCashier())
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	first := rigTicket(t, rig, key, maxRatio)
	require.NoError(t, rig.srv.submit(clientSock, controlSock, [32]byte{}, first.Encode()))

	rig.srv.mu.Lock()
	afterFirst := rig.srv.led.commit
	rig.srv.mu.Unlock()

	// A second winner that references the now-retiring commit is accepted
	// inside the retention window and triggers no further rotation.
	second := *first
	second.Nonce[0] ^= 0xff
	signTicket(t, &second, key)
	require.NoError(t, rig.srv.submit(clientSock, controlSock, [32]byte{}, second.Encode()))

	rig.srv.mu.Lock()
	defer rig.srv.mu.Unlock()
	require.Equal(t, afterFirst, rig.srv.led.commit)
}

func TestSubmitReplayRejected(t *testing.T) {
	rig := newTestRig(t, newFakeCashier())
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ticket := rigTicket(t, rig, key, new(big.Int))

	require.NoError(t, rig.srv.submit(clientSock, controlSock, [32]byte{}, ticket.Encode()))
	err = rig.srv.submit(clientSock, controlSock, [32]byte{}, ticket.Encode())
	require.ErrorIs(t, err, errReplayedNonce)

	rig.drain()
	rig.srv.mu.Lock()
	defer rig.srv.mu.Unlock()
	require.Empty(t, rig.srv.led.expected, "replay leaves only the first admission, already resolved")
}

func TestSubmitInvalidFunder(t *testing.T) {
	cashier := newFakeCashier()
	cashier.checkOK = false
	rig := newTestRig(t, cashier)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ticket := rigTicket(t, rig, key, maxRatio)

	require.NoError(t, rig.srv.submit(clientSock, controlSock, [32]byte{3}, ticket.Encode()))
	rig.drain()

	rig.srv.mu.Lock()
	require.Empty(t, rig.srv.led.expected, "pending credit removed without crediting")
	require.Zero(t, rig.srv.led.balance.Sign())
	rig.srv.mu.Unlock()

	require.Zero(t, rig.cashier.grabCount(), "invalid tickets are never redeemed")
	invs := rig.pipe.invoices(t)
	require.Len(t, invs, 2, "the client is shown it was not credited")
}

func TestSubmitOracleCheckFailureTreatedAsInvalid(t *testing.T) {
	cashier := newFakeCashier()
	cashier.checkErr = errOracle
	rig := newTestRig(t, cashier)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ticket := rigTicket(t, rig, key, maxRatio)

	require.NoError(t, rig.srv.submit(clientSock, controlSock, [32]byte{}, ticket.Encode()))
	rig.drain()

	rig.srv.mu.Lock()
	defer rig.srv.mu.Unlock()
	require.Empty(t, rig.srv.led.expected)
	require.Zero(t, rig.srv.led.balance.Sign())
	require.Zero(t, rig.cashier.grabCount())
}

func TestSubmitWrongLottery(t *testing.T) {
	rig := newTestRig(t, newFakeCashier())
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	ticket := rigTicket(t, rig, key, new(big.Int))
	ticket.Lottery = common.HexToAddress("0x9999999999999999999999999999999999999999")
	signTicket(t, ticket, key)
	require.ErrorIs(t, rig.srv.submit(clientSock, controlSock, [32]byte{}, ticket.Encode()), errWrongLottery)

	ticket = rigTicket(t, rig, key, new(big.Int))
	ticket.Chain = big.NewInt(31337)
	signTicket(t, ticket, key)
	require.ErrorIs(t, rig.srv.submit(clientSock, controlSock, [32]byte{}, ticket.Encode()), errWrongLottery)
}

func TestSubmitExpiredTicket(t *testing.T) {
	rig := newTestRig(t, newFakeCashier())
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	ticket := rigTicket(t, rig, key, new(big.Int))
	ticket.Start = big.NewInt(time.Now().Unix() - 7200)
	ticket.Range = big.NewInt(3600)
	signTicket(t, ticket, key)
	require.ErrorIs(t, rig.srv.submit(clientSock, controlSock, [32]byte{}, ticket.Encode()), errExpiredTicket)
}

func TestSubmitUnknownCommit(t *testing.T) {
	rig := newTestRig(t, newFakeCashier())
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	ticket := rigTicket(t, rig, key, new(big.Int))
	ticket.Commit = common.HexToHash("0xdddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd")
	signTicket(t, ticket, key)
	require.ErrorIs(t, rig.srv.submit(clientSock, controlSock, [32]byte{}, ticket.Encode()), errUnknownCommit)
}

func TestSubmitUnprofitableDroppedSilently(t *testing.T) {
	cashier := newFakeCashier()
	cashier.profit = big.NewInt(-5)
	rig := newTestRig(t, cashier)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ticket := rigTicket(t, rig, key, maxRatio)

	rig.srv.mu.Lock()
	serial := rig.srv.led.serial
	rig.srv.mu.Unlock()

	require.NoError(t, rig.srv.submit(clientSock, controlSock, [32]byte{}, ticket.Encode()))
	rig.drain()

	rig.srv.mu.Lock()
	defer rig.srv.mu.Unlock()
	require.Empty(t, rig.srv.led.expected)
	require.Equal(t, serial, rig.srv.led.serial, "courtesy tickets leave no accounting trace")
	require.Zero(t, rig.cashier.grabCount())
}

func TestSubmitMalformedPayload(t *testing.T) {
	rig := newTestRig(t, newFakeCashier())
	require.ErrorIs(t, rig.srv.submit(clientSock, controlSock, [32]byte{}, []byte{1, 2, 3}), lottery.ErrMalformedTicket)
}

func TestSubmitExpectedValueCredited(t *testing.T) {
	// profit 2^128 makes E = ratio+1 exactly, so the credited amount is
	// easy to pin down.
	cashier := newFakeCashier()
	cashier.profit = new(big.Int).Lsh(big.NewInt(1), 128)
	rig := newTestRig(t, cashier)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	ticket := rigTicket(t, rig, key, maxRatio)
	require.NoError(t, rig.srv.submit(clientSock, controlSock, [32]byte{}, ticket.Encode()))

	rig.srv.mu.Lock()
	projected := rig.srv.led.projected()
	rig.srv.mu.Unlock()
	want := new(big.Rat).SetInt(new(big.Int).Add(maxRatio, big.NewInt(1)))
	require.Zero(t, projected.Cmp(want), "projected balance includes the pending expected value")

	rig.drain()
	rig.srv.mu.Lock()
	defer rig.srv.mu.Unlock()
	require.Zero(t, rig.srv.led.balance.Cmp(want))
}
