// Package eventstore persists vault events in LevelDB so the commitment tree can
// be rebuilt without replaying the whole chain.
package eventstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/zyfrank/privacy-vault/ledger"
)

const (
	depositPrefix = "dep_"
	spendPrefix   = "spd_"
	syncedPrefix  = "sync_"
)

// Store holds deposit and spend events per vault contract.
type Store struct {
	db *leveldb.DB
}

// Open opens the store at path, or an in-memory store when path is empty.
func Open(path string) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores events and advances the synced block in one batch.
func (s *Store) Append(contract common.Address, deposits []ledger.DepositEvent, spends []ledger.SpendEvent, syncedBlock uint64) error {
	batch := new(leveldb.Batch)
	for _, e := range deposits {
		value, err := json.Marshal(e)
		if err != nil {
			return err
		}
		batch.Put(depositKey(contract, e.LeafIndex), value)
	}
	for _, e := range spends {
		value, err := json.Marshal(e)
		if err != nil {
			return err
		}
		batch.Put(spendKey(contract, e.NullifierHash.Bytes()), value)
	}
	var block [8]byte
	binary.BigEndian.PutUint64(block[:], syncedBlock)
	batch.Put(syncedKey(contract), block[:])
	return s.db.Write(batch, nil)
}

// SyncedBlock returns the last block whose events are stored.
func (s *Store) SyncedBlock(contract common.Address) (uint64, bool, error) {
	value, err := s.db.Get(syncedKey(contract), nil)
	if err == leveldb.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(value), true, nil
}

// Deposits returns stored deposits mined in [fromBlock, toBlock], by leaf index.
func (s *Store) Deposits(contract common.Address, fromBlock, toBlock uint64) ([]ledger.DepositEvent, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefix(depositPrefix, contract)), nil)
	defer iter.Release()

	var out []ledger.DepositEvent
	for iter.Next() {
		var e ledger.DepositEvent
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode deposit %x: %w", iter.Key(), err)
		}
		if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			out = append(out, e)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Spends(contract common.Address, fromBlock, toBlock uint64) ([]ledger.SpendEvent, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefix(spendPrefix, contract)), nil)
	defer iter.Release()

	var out []ledger.SpendEvent
	for iter.Next() {
		var e ledger.SpendEvent
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode spend %x: %w", iter.Key(), err)
		}
		if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			out = append(out, e)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

// Reset drops everything stored for contract.
func (s *Store) Reset(contract common.Address) error {
	batch := new(leveldb.Batch)
	for _, p := range []string{depositPrefix, spendPrefix} {
		iter := s.db.NewIterator(util.BytesPrefix(prefix(p, contract)), nil)
		for iter.Next() {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return err
		}
	}
	batch.Delete(syncedKey(contract))
	return s.db.Write(batch, nil)
}

func prefix(kind string, contract common.Address) []byte {
	return append([]byte(kind), contract.Bytes()...)
}

func depositKey(contract common.Address, leafIndex uint32) []byte {
	var index [4]byte
	binary.BigEndian.PutUint32(index[:], leafIndex)
	return append(prefix(depositPrefix, contract), index[:]...)
}

func spendKey(contract common.Address, nullifierHash []byte) []byte {
	return append(prefix(spendPrefix, contract), common.LeftPadBytes(nullifierHash, 32)...)
}

func syncedKey(contract common.Address) []byte {
	return prefix(syncedPrefix, contract)
}
