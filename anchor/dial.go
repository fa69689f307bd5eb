package anchor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Dial connects to an Ethereum RPC endpoint and returns a client for the contract
// at contractHex that sends transactions signed with keyHex.
func Dial(ctx context.Context, rpcURL, contractHex, keyHex string, log *slog.Logger) (*OnchainAnchorClient, error) {
	if !common.IsHexAddress(contractHex) {
		return nil, fmt.Errorf("invalid anchor contract address %q", contractHex)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", rpcURL, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("could not fetch chain id: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("invalid anchor key: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		client.Close()
		return nil, err
	}

	anchor := NewOnchainAnchorClient(client, common.HexToAddress(contractHex), log)
	anchor.SetTransactOpts(auth)
	return anchor, nil
}
