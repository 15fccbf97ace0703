package pricefeed

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

const aggregatorABI = `[
{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[
 {"name":"roundId","type":"uint80"},
 {"name":"answer","type":"int256"},
 {"name":"startedAt","type":"uint256"},
 {"name":"updatedAt","type":"uint256"},
 {"name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

// ContractCaller is the subset of ethclient.Client used to read aggregators.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkConfig maps assets to aggregator contracts.
type ChainlinkConfig struct {
	RPCURL string
	Feeds  map[domain.Asset]string
	// MemoTTL bounds how long a round is reused between reads.
	MemoTTL time.Duration
}

// Chainlink reads latestRoundData from Chainlink aggregators on an EVM
// chain. Rounds and decimals are memoised so a burst of activations costs
// one RPC round trip per asset.
type Chainlink struct {
	caller ContractCaller
	feeds  map[domain.Asset]common.Address
	abi    abi.ABI
	memo   *ristretto.Cache
	ttl    time.Duration
	closer func()
}

// DialChainlink connects to the EVM RPC in cfg.
func DialChainlink(ctx context.Context, cfg ChainlinkConfig) (*Chainlink, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("pricefeed: dial chainlink rpc: %w", err)
	}
	c, err := NewChainlink(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.closer = client.Close
	return c, nil
}

// NewChainlink creates a Chainlink source on an existing caller.
func NewChainlink(caller ContractCaller, cfg ChainlinkConfig) (*Chainlink, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("pricefeed: parse aggregator abi: %w", err)
	}
	feeds := make(map[domain.Asset]common.Address, len(cfg.Feeds))
	for asset, addr := range cfg.Feeds {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("pricefeed: feed address %q for %s is not hex", addr, asset)
		}
		feeds[asset] = common.HexToAddress(addr)
	}
	memo, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1000,
		MaxCost:     100,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("pricefeed: memo cache: %w", err)
	}
	ttl := cfg.MemoTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Chainlink{caller: caller, feeds: feeds, abi: parsed, memo: memo, ttl: ttl}, nil
}

// Close releases the memo and the RPC connection, if owned.
func (c *Chainlink) Close() {
	c.memo.Close()
	if c.closer != nil {
		c.closer()
	}
}

// Latest returns the most recent aggregator answer for asset.
func (c *Chainlink) Latest(ctx context.Context, asset domain.Asset) (domain.PricePoint, error) {
	key := "round:" + string(asset)
	if v, ok := c.memo.Get(key); ok {
		chainlinkMemoTotal.WithLabelValues("hit").Inc()
		return v.(domain.PricePoint), nil
	}
	chainlinkMemoTotal.WithLabelValues("miss").Inc()

	addr, ok := c.feeds[asset]
	if !ok {
		return domain.PricePoint{}, fmt.Errorf("pricefeed: no chainlink feed for %s: %w", asset, domain.ErrNoPrice)
	}
	dec, err := c.decimals(ctx, asset, addr)
	if err != nil {
		return domain.PricePoint{}, err
	}

	out, err := c.call(ctx, addr, "latestRoundData")
	if err != nil {
		return domain.PricePoint{}, err
	}
	if len(out) != 5 {
		return domain.PricePoint{}, fmt.Errorf("pricefeed: latestRoundData returned %d values", len(out))
	}
	answer, ok1 := out[1].(*big.Int)
	updatedAt, ok2 := out[3].(*big.Int)
	if !ok1 || !ok2 {
		return domain.PricePoint{}, fmt.Errorf("pricefeed: unexpected latestRoundData types %T %T", out[1], out[3])
	}
	if answer.Sign() <= 0 {
		return domain.PricePoint{}, fmt.Errorf("pricefeed: chainlink answer %s for %s: %w", answer, asset, domain.ErrNoPrice)
	}

	p := domain.PricePoint{
		Asset:  asset,
		Price:  decimal.NewFromBigInt(answer, -int32(dec)),
		At:     time.Unix(updatedAt.Int64(), 0),
		Source: "chainlink",
	}
	c.memo.SetWithTTL(key, p, 1, c.ttl)
	return p, nil
}

func (c *Chainlink) decimals(ctx context.Context, asset domain.Asset, addr common.Address) (uint8, error) {
	key := "decimals:" + string(asset)
	if v, ok := c.memo.Get(key); ok {
		return v.(uint8), nil
	}
	out, err := c.call(ctx, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("pricefeed: decimals returned %d values", len(out))
	}
	dec, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("pricefeed: unexpected decimals type %T", out[0])
	}
	c.memo.SetWithTTL(key, dec, 1, 0)
	return dec, nil
}

func (c *Chainlink) call(ctx context.Context, addr common.Address, method string) ([]any, error) {
	data, err := c.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pricefeed: pack %s: %w", method, err)
	}
	res, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("pricefeed: call %s on %s: %w", method, addr.Hex(), err)
	}
	out, err := c.abi.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("pricefeed: unpack %s: %w", method, err)
	}
	return out, nil
}

var _ Source = (*Chainlink)(nil)
