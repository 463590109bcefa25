// Package holdings reports how many qualifying assets a member holds.
package holdings

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	erc721ABIJSON = `[{"inputs":[{"internalType":"address","name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	erc721ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc721ABIJSON))
	if err != nil {
		panic("failed to parse ERC-721 ABI: " + err.Error())
	}
	erc721ABI = parsed
}

// Oracle reports the qualifying-asset count of one holder.
type Oracle interface {
	HoldingsFor(ctx context.Context, holder string) (int64, error)
}

// BulkOracle reports counts for every known holder in one call.
type BulkOracle interface {
	AllHoldings(ctx context.Context) (map[string]int64, error)
}

// ChainOptions parameterise the on-chain oracle.
type ChainOptions struct {
	RPCURL            string
	CollectionAddress string
	Timeout           time.Duration
}

// ChainOracle reads ERC-721 balances through an Ethereum RPC endpoint.
type ChainOracle struct {
	opts      ChainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChainOracle builds an on-chain holdings oracle.
func NewChainOracle(opts ChainOptions, logger zerolog.Logger) *ChainOracle {
	return &ChainOracle{opts: opts, logger: logger.With().Str("component", "holdings_oracle").Logger()}
}

// HoldingsFor returns balanceOf(holder) on the collection contract. A holder
// key that is not a wallet address cannot own assets and counts as zero.
func (o *ChainOracle) HoldingsFor(ctx context.Context, holder string) (int64, error) {
	if o.opts.RPCURL == "" {
		return 0, errors.New("ethereum rpc url not configured")
	}
	if o.opts.CollectionAddress == "" {
		return 0, errors.New("collection contract address not configured")
	}
	if !common.IsHexAddress(holder) {
		o.logger.Debug().Str("holder", holder).Msg("holder has no wallet address, treating as zero holdings")
		return 0, nil
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := o.getClient(ctx)
	if err != nil {
		return 0, err
	}

	collection := common.HexToAddress(o.opts.CollectionAddress)
	payload, err := erc721ABI.Pack("balanceOf", common.HexToAddress(holder))
	if err != nil {
		return 0, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &collection, Data: payload}, nil)
	if err != nil {
		return 0, err
	}

	outputs, err := erc721ABI.Unpack("balanceOf", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected balanceOf response")
	}

	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return 0, errors.New("failed to decode balanceOf output")
	}
	if !balance.IsInt64() {
		return 0, fmt.Errorf("balance %s out of range", balance)
	}
	return balance.Int64(), nil
}

// Close releases the RPC client.
func (o *ChainOracle) Close() {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()
	if o.client != nil {
		o.client.Close()
		o.client = nil
	}
}

func (o *ChainOracle) getClient(ctx context.Context) (*ethclient.Client, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	return client, nil
}

var _ Oracle = (*ChainOracle)(nil)
