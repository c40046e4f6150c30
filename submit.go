package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nil_vpn/pkg/lottery"
	"nil_vpn/pkg/protocol"
)

var (
	errWrongLottery  = errors.New("ticket for a different lottery tuple")
	errExpiredTicket = errors.New("ticket expired")
)

// grabGas is the fixed gas budget for a redemption transaction.
const grabGas = 100000

// oracleTimeout bounds the funder check and the grab submission; the ledger
// is never held across either.
const oracleTimeout = 2 * time.Minute

var two128 = new(big.Int).Lsh(big.NewInt(1), 128)

// submit evaluates one Submit command from the client at src. The
// synchronous phase decodes and admits the ticket under the ledger lock;
// the asynchronous phase checks the funder on chain, settles the pending
// credit, and redeems winners.
func (s *Server) submit(src, dst protocol.Socket, id [32]byte, payload []byte) error {
	ticket, err := lottery.Decode(payload)
	if err != nil {
		return err
	}

	lotteryAddr, chain, recipient := s.cashier.Tuple()
	if ticket.Lottery != lotteryAddr || ticket.Chain.Cmp(chain) != 0 || ticket.Recipient != recipient {
		return fmt.Errorf("%w: %s/%s/%s", errWrongLottery, ticket.Lottery, ticket.Chain, ticket.Recipient)
	}

	now := big.NewInt(time.Now().Unix())
	until := new(big.Int).Add(ticket.Start, ticket.Range)
	if until.Cmp(now) <= 0 {
		return fmt.Errorf("%w: until %s, now %s", errExpiredTicket, until, now)
	}

	profit, gasPrice, err := s.cashier.Credit(now, ticket.Start, ticket.Range, ticket.Face, big.NewInt(grabGas))
	if err != nil {
		return fmt.Errorf("credit quote: %w", err)
	}
	if profit.Sign() <= 0 {
		// Not worth redeeming; a courtesy signal with no accounting effect.
		return nil
	}

	// E = profit * (ratio+1) / 2^128.
	expected := new(big.Rat).SetFrac(
		new(big.Int).Mul(profit, new(big.Int).Add(ticket.Ratio, big.NewInt(1))),
		two128,
	)

	ticketHash, err := ticket.Hash()
	if err != nil {
		return err
	}
	signer, err := ticket.RecoverSigner(ticketHash)
	if err != nil {
		return err
	}

	s.mu.Lock()
	wallNow := time.Now()
	if err := s.led.insertNonce(ticket.Issued, ticket.Nonce, signer); err != nil {
		s.mu.Unlock()
		return err
	}
	secret, err := s.led.lookupReveal(ticket.Commit, wallNow)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.led.admitExpected(ticketHash, expected); err != nil {
		s.mu.Unlock()
		return err
	}
	winner := lottery.Winner(secret, ticket.Issued, ticket.Nonce, ticket.Ratio)
	if winner && s.led.commit == ticket.Commit {
		s.led.rotate(wallNow)
	}
	s.mu.Unlock()

	s.nest.hatch(func() {
		s.settle(src, dst, id, ticket, ticketHash, signer, secret, winner, gasPrice)
	})
	return nil
}

// settle is the asynchronous half of submit: the only phase allowed to
// block arbitrarily long on the oracle.
func (s *Server) settle(src, dst protocol.Socket, id [32]byte, ticket *lottery.Ticket, ticketHash common.Hash, signer common.Address, secret [32]byte, winner bool, gasPrice *big.Int) {
	ctx, cancel := context.WithTimeout(context.Background(), oracleTimeout)
	defer cancel()

	valid, err := s.cashier.Check(ctx, signer, ticket.Funder, ticket.Face, ticket.Recipient, ticket.Receipt)
	if err != nil {
		log.Printf("funder check for %s failed, ticket treated as invalid: %v", ticketHash, err)
		valid = false
	}

	s.mu.Lock()
	s.led.resolveExpected(ticketHash, valid)
	s.mu.Unlock()

	if !valid {
		// Show the client it was not credited.
		s.invoice(dst, src, id)
		return
	}
	if !winner {
		return
	}

	// Best-effort redemption; the revocation list rides empty.
	if err := s.cashier.Send(ctx, "grab", grabGas, gasPrice,
		secret,
		[32]byte(ticket.Commit),
		ticket.Issued,
		[32]byte(ticket.Nonce),
		ticket.V, ticket.R, ticket.S,
		ticket.Face, ticket.Ratio,
		ticket.Start, ticket.Range,
		ticket.Funder, ticket.Recipient,
		ticket.Receipt,
		[][32]byte{},
	); err != nil {
		log.Printf("grab submission for %s failed: %v", ticketHash, err)
	}
}
