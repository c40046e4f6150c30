package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var errOracle = errors.New("oracle failure")

// Cashier is the pricing and redemption oracle the payment engine consumes.
// Implementations are shared across sessions and must be safe for
// concurrent callers. Only Check and Send may block arbitrarily long.
type Cashier interface {
	// Bill prices size bytes of tunneled traffic in account units.
	Bill(size int) *big.Int
	// Convert maps an account-unit balance to on-chain units for invoices.
	Convert(balance *big.Rat) *big.Int
	// Tuple is the (lottery, chain, recipient) this server redeems against.
	Tuple() (common.Address, *big.Int, common.Address)
	// Credit quotes the profit of redeeming a ticket of this shape now, and
	// the gas price a redemption would pay.
	Credit(now, start, range_, face, gas *big.Int) (profit, gasPrice *big.Int, err error)
	// Check verifies that signer may spend face from funder's pot.
	Check(ctx context.Context, signer, funder common.Address, face *big.Int, recipient common.Address, receipt []byte) (bool, error)
	// Send submits a lottery-contract transaction.
	Send(ctx context.Context, method string, gas uint64, gasPrice *big.Int, args ...any) error
}

// ethBackend is the slice of ethclient the cashier uses; tests substitute it.
type ethBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var (
	grabArgs = abi.Arguments{
		{Type: mustType("bytes32")},   // reveal
		{Type: mustType("bytes32")},   // commit
		{Type: mustType("uint256")},   // issued
		{Type: mustType("bytes32")},   // nonce
		{Type: mustType("uint8")},     // v
		{Type: mustType("bytes32")},   // r
		{Type: mustType("bytes32")},   // s
		{Type: mustType("uint128")},   // face
		{Type: mustType("uint128")},   // ratio
		{Type: mustType("uint256")},   // start
		{Type: mustType("uint128")},   // range
		{Type: mustType("address")},   // funder
		{Type: mustType("address")},   // recipient
		{Type: mustType("bytes")},     // receipt
		{Type: mustType("bytes32[]")}, // old
	}
	grabSelector = crypto.Keccak256([]byte(
		"grab(bytes32,bytes32,uint256,bytes32,uint8,bytes32,bytes32,uint128,uint128,uint256,uint128,address,address,bytes,bytes32[])",
	))[:4]

	lookArgs = abi.Arguments{
		{Type: mustType("address")}, // funder
		{Type: mustType("address")}, // signer
	}
	lookReturns = abi.Arguments{
		{Type: mustType("uint128")}, // amount
		{Type: mustType("uint128")}, // escrow
		{Type: mustType("uint256")}, // unlock
	}
	lookSelector = crypto.Keccak256([]byte("look(address,address)"))[:4]
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// gasQuoteTTL bounds how stale a cached gas price may get before Credit
// refreshes it from the node.
const gasQuoteTTL = 30 * time.Second

// ethCashier redeems against a lottery contract on an EVM chain. Account
// units are the chain's smallest token unit.
type ethCashier struct {
	backend   ethBackend
	lottery   common.Address
	chain     *big.Int
	key       *ecdsa.PrivateKey
	recipient common.Address

	perByte *big.Rat

	gasMu    sync.Mutex
	gasPrice *big.Int
	gasAt    time.Time

	nonceMu sync.Mutex
}

func newEthCashier(ctx context.Context, rpcURL string, lotteryAddr common.Address, chain *big.Int, key *ecdsa.PrivateKey, perByte *big.Rat) (*ethCashier, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errOracle, rpcURL, err)
	}
	return &ethCashier{
		backend:   client,
		lottery:   lotteryAddr,
		chain:     chain,
		key:       key,
		recipient: crypto.PubkeyToAddress(key.PublicKey),
		perByte:   perByte,
	}, nil
}

func (c *ethCashier) Bill(size int) *big.Int {
	price := new(big.Rat).Mul(c.perByte, new(big.Rat).SetInt64(int64(size)))
	return ratCeil(price)
}

func (c *ethCashier) Convert(balance *big.Rat) *big.Int {
	return new(big.Int).Quo(balance.Num(), balance.Denom())
}

func (c *ethCashier) Tuple() (common.Address, *big.Int, common.Address) {
	return c.lottery, new(big.Int).Set(c.chain), c.recipient
}

func (c *ethCashier) Credit(now, start, range_, face, gas *big.Int) (*big.Int, *big.Int, error) {
	gasPrice, err := c.quoteGas()
	if err != nil {
		return nil, nil, err
	}
	// Tickets decay linearly across their validity window.
	value := new(big.Int).Set(face)
	if now.Cmp(start) > 0 && range_.Sign() > 0 {
		left := new(big.Int).Add(start, range_)
		left.Sub(left, now)
		value.Mul(face, left)
		value.Quo(value, range_)
	}
	cost := new(big.Int).Mul(gas, gasPrice)
	return value.Sub(value, cost), gasPrice, nil
}

func (c *ethCashier) quoteGas() (*big.Int, error) {
	c.gasMu.Lock()
	defer c.gasMu.Unlock()
	if c.gasPrice != nil && time.Since(c.gasAt) < gasQuoteTTL {
		return new(big.Int).Set(c.gasPrice), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		if c.gasPrice != nil {
			// Stale beats unavailable while the node hiccups.
			return new(big.Int).Set(c.gasPrice), nil
		}
		return nil, fmt.Errorf("%w: gas price: %v", errOracle, err)
	}
	c.gasPrice = price
	c.gasAt = time.Now()
	return new(big.Int).Set(price), nil
}

// Check calls look(funder, signer) on the lottery contract and accepts the
// ticket when the pot covers its face amount.
func (c *ethCashier) Check(ctx context.Context, signer, funder common.Address, face *big.Int, recipient common.Address, receipt []byte) (bool, error) {
	if recipient != c.recipient {
		return false, nil
	}
	input, err := lookArgs.Pack(funder, signer)
	if err != nil {
		return false, fmt.Errorf("%w: pack look: %v", errOracle, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{
		To:   &c.lottery,
		Data: append(append([]byte(nil), lookSelector...), input...),
	}, nil)
	if err != nil {
		return false, fmt.Errorf("%w: look: %v", errOracle, err)
	}
	vals, err := lookReturns.Unpack(out)
	if err != nil {
		return false, fmt.Errorf("%w: unpack look: %v", errOracle, err)
	}
	amount, ok := vals[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("%w: look amount type %T", errOracle, vals[0])
	}
	return amount.Cmp(face) >= 0, nil
}

func (c *ethCashier) Send(ctx context.Context, method string, gas uint64, gasPrice *big.Int, args ...any) error {
	if method != "grab" {
		return fmt.Errorf("%w: unknown method %q", errOracle, method)
	}
	input, err := grabArgs.Pack(args...)
	if err != nil {
		return fmt.Errorf("%w: pack %s: %v", errOracle, method, err)
	}
	data := append(append([]byte(nil), grabSelector...), input...)

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	nonce, err := c.backend.PendingNonceAt(ctx, c.recipient)
	if err != nil {
		return fmt.Errorf("%w: nonce: %v", errOracle, err)
	}
	tx := types.NewTransaction(nonce, c.lottery, new(big.Int), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chain), c.key)
	if err != nil {
		return fmt.Errorf("%w: sign: %v", errOracle, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("%w: send: %v", errOracle, err)
	}
	return nil
}

func ratCeil(x *big.Rat) *big.Int {
	out, rem := new(big.Int).QuoRem(x.Num(), x.Denom(), new(big.Int))
	if rem.Sign() > 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}
