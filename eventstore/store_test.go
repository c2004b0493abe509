package eventstore

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyfrank/privacy-vault/ledger"
)

var contract = common.HexToAddress("0x00000000000000000000000000000000000000c0")

type countingSource struct {
	latest   uint64
	deposits []ledger.DepositEvent
	spends   []ledger.SpendEvent
	ranges   [][2]uint64
}

func (s *countingSource) LatestBlock(ctx context.Context) (uint64, error) {
	return s.latest, nil
}

func (s *countingSource) DepositEvents(ctx context.Context, from, to uint64) ([]ledger.DepositEvent, error) {
	s.ranges = append(s.ranges, [2]uint64{from, to})
	var out []ledger.DepositEvent
	for _, e := range s.deposits {
		if e.BlockNumber >= from && e.BlockNumber <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *countingSource) SpendEvents(ctx context.Context, from, to uint64) ([]ledger.SpendEvent, error) {
	var out []ledger.SpendEvent
	for _, e := range s.spends {
		if e.BlockNumber >= from && e.BlockNumber <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

func depositAt(index uint32, block uint64) ledger.DepositEvent {
	return ledger.DepositEvent{
		Commitment:  big.NewInt(int64(100 + index)),
		LeafIndex:   index,
		Timestamp:   1000 + block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		BlockNumber: block,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "events"))
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.SyncedBlock(contract)
	require.NoError(t, err)
	assert.False(t, ok)

	spend := ledger.SpendEvent{NullifierHash: big.NewInt(9), To: contract, Fee: big.NewInt(0), BlockNumber: 4}
	require.NoError(t, store.Append(contract, []ledger.DepositEvent{depositAt(1, 3), depositAt(0, 2)}, []ledger.SpendEvent{spend}, 5))

	synced, ok, err := store.SyncedBlock(contract)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(5), synced)

	deposits, err := store.Deposits(contract, 0, 10)
	require.NoError(t, err)
	require.Len(t, deposits, 2)
	assert.Equal(t, uint32(0), deposits[0].LeafIndex)
	assert.Equal(t, 0, deposits[1].Commitment.Cmp(big.NewInt(101)))
	assert.Equal(t, depositAt(1, 3).TxHash, deposits[1].TxHash)

	deposits, err = store.Deposits(contract, 3, 3)
	require.NoError(t, err)
	assert.Len(t, deposits, 1)

	spends, err := store.Spends(contract, 0, 10)
	require.NoError(t, err)
	require.Len(t, spends, 1)
	assert.Equal(t, 0, spends[0].NullifierHash.Cmp(big.NewInt(9)))

	other := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	deposits, err = store.Deposits(other, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, deposits)

	require.NoError(t, store.Reset(contract))
	deposits, err = store.Deposits(contract, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, deposits)
	_, ok, err = store.SyncedBlock(contract)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachedSourceSyncsIncrementally(t *testing.T) {
	ctx := context.Background()
	store, err := Open("")
	require.NoError(t, err)
	defer store.Close()

	upstream := &countingSource{latest: 5, deposits: []ledger.DepositEvent{depositAt(0, 2), depositAt(1, 5)}}
	source := NewCachedSource(store, upstream, contract, 1)

	events, err := source.DepositEvents(ctx, 0, 5)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, [][2]uint64{{1, 5}}, upstream.ranges)

	events, err = source.DepositEvents(ctx, 0, 5)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Len(t, upstream.ranges, 1)

	upstream.deposits = append(upstream.deposits, depositAt(2, 8))
	upstream.latest = 8
	events, err = source.DepositEvents(ctx, 0, 8)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Equal(t, [2]uint64{6, 8}, upstream.ranges[1])

	require.NoError(t, source.Reset(ctx))
	events, err = source.DepositEvents(ctx, 0, 8)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Equal(t, [2]uint64{1, 8}, upstream.ranges[2])
}

func TestCachedSourceChunks(t *testing.T) {
	ctx := context.Background()
	store, err := Open("")
	require.NoError(t, err)
	defer store.Close()

	upstream := &countingSource{latest: 25}
	source := NewCachedSource(store, upstream, contract, 0)
	source.chunkSize = 10
	_, err = source.SpendEvents(ctx, 0, 25)
	require.NoError(t, err)
	assert.Equal(t, [][2]uint64{{0, 9}, {10, 19}, {20, 25}}, upstream.ranges)
}
