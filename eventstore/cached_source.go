package eventstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zyfrank/privacy-vault/ledger"
	"github.com/zyfrank/privacy-vault/logging"
)

const DefaultChunkSize = 10_000

// CachedSource serves event queries from the store, first pulling any blocks
// the store has not seen from the upstream source.
type CachedSource struct {
	mu         sync.Mutex
	store      *Store
	upstream   ledger.EventSource
	contract   common.Address
	startBlock uint64
	chunkSize  uint64
}

func NewCachedSource(store *Store, upstream ledger.EventSource, contract common.Address, startBlock uint64) *CachedSource {
	return &CachedSource{
		store:      store,
		upstream:   upstream,
		contract:   contract,
		startBlock: startBlock,
		chunkSize:  DefaultChunkSize,
	}
}

func (c *CachedSource) LatestBlock(ctx context.Context) (uint64, error) {
	return c.upstream.LatestBlock(ctx)
}

func (c *CachedSource) DepositEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ledger.DepositEvent, error) {
	if err := c.sync(ctx, toBlock); err != nil {
		return nil, err
	}
	return c.store.Deposits(c.contract, fromBlock, toBlock)
}

func (c *CachedSource) SpendEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ledger.SpendEvent, error) {
	if err := c.sync(ctx, toBlock); err != nil {
		return nil, err
	}
	return c.store.Spends(c.contract, fromBlock, toBlock)
}

func (c *CachedSource) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	logging.Logger().Info().Str("contract", c.contract.Hex()).Msg("resetting event cache")
	return c.store.Reset(c.contract)
}

func (c *CachedSource) sync(ctx context.Context, toBlock uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	synced, ok, err := c.store.SyncedBlock(c.contract)
	if err != nil {
		return err
	}
	from := c.startBlock
	if ok {
		from = synced + 1
	}
	for from <= toBlock {
		to := min(from+c.chunkSize-1, toBlock)
		deposits, err := c.upstream.DepositEvents(ctx, from, to)
		if err != nil {
			return fmt.Errorf("fetching deposits %d-%d: %w", from, to, err)
		}
		spends, err := c.upstream.SpendEvents(ctx, from, to)
		if err != nil {
			return fmt.Errorf("fetching spends %d-%d: %w", from, to, err)
		}
		if err := c.store.Append(c.contract, deposits, spends, to); err != nil {
			return err
		}
		logging.Logger().Debug().
			Str("contract", c.contract.Hex()).
			Uint64("from", from).
			Uint64("to", to).
			Int("deposits", len(deposits)).
			Int("spends", len(spends)).
			Msg("synced events")
		from = to + 1
	}
	return nil
}

var (
	_ ledger.EventSource = (*CachedSource)(nil)
	_ ledger.Resettable  = (*CachedSource)(nil)
)
