// Package anchor mirrors registry records into a PeerProofRegistry smart
// contract, so third parties can check a referral on chain by its record ID.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/peerproof/referral-registry/interfaces"
)

// ErrNoTransactOpts is returned when a transaction is attempted without first setting transaction options.
var ErrNoTransactOpts = errors.New("no authorized transactor available")

// PeerProofRegistryABI is the interface of the on-chain registry. Record IDs
// are keccak256(abi.encode(referrer, referee, nonce)), matching the off-chain store.
const PeerProofRegistryABI = `[
	{"type":"constructor","inputs":[{"name":"issuer","type":"address"}],"stateMutability":"nonpayable"},
	{"type":"function","name":"issuer","inputs":[],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
	{"type":"function","name":"isRecorded","inputs":[{"name":"id","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"},
	{"type":"function","name":"recordReferral","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"referrer","type":"address"},
		{"name":"referee","type":"address"},
		{"name":"nonce","type":"uint256"},
		{"name":"issuedAt","type":"uint64"},
		{"name":"signature","type":"bytes"}
	],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"revokeReferral","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"reason","type":"string"}
	],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"event","name":"ReferralRecorded","inputs":[
		{"name":"id","type":"bytes32","indexed":true},
		{"name":"referrer","type":"address","indexed":true},
		{"name":"referee","type":"address","indexed":false}
	],"anonymous":false},
	{"type":"event","name":"ReferralRevoked","inputs":[
		{"name":"id","type":"bytes32","indexed":true},
		{"name":"reason","type":"string","indexed":false}
	],"anonymous":false}
]`

var parsedABI abi.ABI

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(PeerProofRegistryABI))
	if err != nil {
		panic(fmt.Sprintf("invalid PeerProofRegistry ABI: %v", err))
	}
}

// ABI returns the parsed contract interface.
func ABI() abi.ABI {
	return parsedABI
}

// boundContract is the subset of *bind.BoundContract used by the client.
type boundContract interface {
	Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

// OnchainAnchorClient talks to a deployed PeerProofRegistry contract.
type OnchainAnchorClient struct {
	contract boundContract
	address  common.Address
	auth     *bind.TransactOpts
	log      *slog.Logger
}

// NewOnchainAnchorClient binds the contract at address using backend for calls and transactions.
func NewOnchainAnchorClient(backend bind.ContractBackend, address common.Address, log *slog.Logger) *OnchainAnchorClient {
	return &OnchainAnchorClient{
		contract: bind.NewBoundContract(address, parsedABI, backend, backend, backend),
		address:  address,
		log:      log,
	}
}

// SetTransactOpts sets the transaction options required for functions that modify state.
func (c *OnchainAnchorClient) SetTransactOpts(auth *bind.TransactOpts) {
	c.auth = auth
}

func (c *OnchainAnchorClient) Address() common.Address {
	return c.address
}

// Issuer returns the issuer the contract was deployed with.
func (c *OnchainAnchorClient) Issuer(ctx context.Context) (interfaces.Address, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "issuer"); err != nil {
		return interfaces.Address{}, err
	}
	addr := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	return interfaces.Address(addr), nil
}

func (c *OnchainAnchorClient) IsRecorded(ctx context.Context, id interfaces.RecordID) (bool, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isRecorded", [32]byte(id)); err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// RecordReferral submits a record with its original issuer signature, which the contract re-verifies.
func (c *OnchainAnchorClient) RecordReferral(ctx context.Context, rec interfaces.RegistryRecord) (*types.Transaction, error) {
	if c.auth == nil {
		return nil, ErrNoTransactOpts
	}

	opts := *c.auth
	opts.Context = ctx
	return c.contract.Transact(&opts, "recordReferral",
		[32]byte(rec.ID),
		common.Address(rec.Referrer),
		common.Address(rec.Referee),
		new(big.Int).Set(rec.Nonce),
		uint64(rec.IssuedAt.Unix()),
		rec.Signature,
	)
}

func (c *OnchainAnchorClient) RevokeReferral(ctx context.Context, id interfaces.RecordID, reason string) (*types.Transaction, error) {
	if c.auth == nil {
		return nil, ErrNoTransactOpts
	}

	opts := *c.auth
	opts.Context = ctx
	return c.contract.Transact(&opts, "revokeReferral", [32]byte(id), reason)
}

// Notify anchors recorded and revoked events. It only sends the transaction and
// does not wait for it to be mined.
func (c *OnchainAnchorClient) Notify(ctx context.Context, n interfaces.Notification) error {
	var (
		tx  *types.Transaction
		err error
	)
	switch n.Kind {
	case interfaces.EventRecorded:
		tx, err = c.RecordReferral(ctx, n.Record)
	case interfaces.EventRevoked:
		tx, err = c.RevokeReferral(ctx, n.RecordID, n.Reason)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("anchor %s %s: %w", n.Kind, n.RecordID, err)
	}
	c.log.Debug("anchored registry event", "kind", n.Kind, "id", n.RecordID, "tx", tx.Hash())
	return nil
}

func (c *OnchainAnchorClient) Name() string {
	return "anchor"
}

var _ interfaces.Notifier = (*OnchainAnchorClient)(nil)
