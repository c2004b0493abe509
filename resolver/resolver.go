// Package resolver rebuilds the vault's commitment tree from ledger events and
// produces membership proofs for notes.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/zyfrank/privacy-vault/hasher"
	"github.com/zyfrank/privacy-vault/ledger"
	"github.com/zyfrank/privacy-vault/logging"
	merkletree "github.com/zyfrank/privacy-vault/merkle-tree"
	"github.com/zyfrank/privacy-vault/note"
)

var (
	ErrStaleOrCorruptRoot = errors.New("resolver: merkle tree is corrupted")
	ErrAlreadySpent       = errors.New("resolver: the note is already spent")
	ErrNotFound           = merkletree.ErrNotFound
)

// Membership is a note's inclusion proof against a snapshot of TreeSize leaves.
type Membership struct {
	Proof    *merkletree.MembershipProof
	TreeSize uint64
}

type Resolver struct {
	source     ledger.EventSource
	querier    ledger.Querier
	hasher     hasher.Hasher
	height     int
	zeroValue  *big.Int
	startBlock uint64

	cacheEnabled bool
	mu           sync.Mutex
	cached       *merkletree.Snapshot
	syncedBlock  uint64
}

type Option func(*Resolver)

// WithCache keeps the last snapshot and only replays newer blocks on the next call.
func WithCache() Option {
	return func(r *Resolver) { r.cacheEnabled = true }
}

// WithStartBlock skips blocks before the vault was deployed.
func WithStartBlock(block uint64) Option {
	return func(r *Resolver) { r.startBlock = block }
}

func New(source ledger.EventSource, querier ledger.Querier, h hasher.Hasher, height int, zeroValue *big.Int, options ...Option) *Resolver {
	r := &Resolver{
		source:    source,
		querier:   querier,
		hasher:    h,
		height:    height,
		zeroValue: zeroValue,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Snapshot replays deposit events and returns the resulting tree.
func (r *Resolver) Snapshot(ctx context.Context) (*merkletree.Snapshot, error) {
	if !r.cacheEnabled {
		snap, _, err := r.rebuild(ctx)
		return snap, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil {
		snap, latest, err := r.extend(ctx)
		if err != nil && !errors.Is(err, merkletree.ErrConflictingLeaf) {
			return nil, err
		}
		if err == nil {
			known, err := r.querier.IsKnownRoot(ctx, snap.Root(), uint64(snap.Size()))
			if err != nil {
				return nil, fmt.Errorf("checking cached root: %w", err)
			}
			if known {
				r.cached, r.syncedBlock = snap, latest
				return snap.Copy(), nil
			}
			logging.Logger().Warn().
				Int("cached_size", r.cached.Size()).
				Str("root", fmt.Sprintf("0x%064x", snap.Root())).
				Msg("cached tree is not recognised by the ledger, replaying all events")
		} else {
			logging.Logger().Warn().Err(err).Msg("cached events conflict, replaying all events")
		}
		r.cached = nil
		if resettable, ok := r.source.(ledger.Resettable); ok {
			if err := resettable.Reset(ctx); err != nil {
				return nil, fmt.Errorf("resetting event source: %w", err)
			}
		}
	}

	snap, latest, err := r.rebuild(ctx)
	if err != nil {
		return nil, err
	}
	r.cached, r.syncedBlock = snap, latest
	return snap.Copy(), nil
}

func (r *Resolver) rebuild(ctx context.Context) (*merkletree.Snapshot, uint64, error) {
	latest, err := r.source.LatestBlock(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching latest block: %w", err)
	}
	events, err := r.source.DepositEvents(ctx, r.startBlock, latest)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching deposit events: %w", err)
	}
	snap, err := merkletree.Rebuild(leavesOf(events), r.height, r.hasher, r.zeroValue)
	if err != nil {
		return nil, 0, err
	}
	logging.Logger().Debug().
		Int("leaves", snap.Size()).
		Uint64("block", latest).
		Str("root", fmt.Sprintf("0x%064x", snap.Root())).
		Msg("rebuilt commitment tree")
	return snap, latest, nil
}

func (r *Resolver) extend(ctx context.Context) (*merkletree.Snapshot, uint64, error) {
	latest, err := r.source.LatestBlock(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching latest block: %w", err)
	}
	snap := r.cached.Copy()
	if latest <= r.syncedBlock {
		return snap, r.syncedBlock, nil
	}
	events, err := r.source.DepositEvents(ctx, r.syncedBlock+1, latest)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching deposit events: %w", err)
	}
	if err := snap.Append(leavesOf(events)); err != nil {
		return nil, 0, err
	}
	return snap, latest, nil
}

func leavesOf(events []ledger.DepositEvent) []merkletree.Leaf {
	leaves := make([]merkletree.Leaf, len(events))
	for i, e := range events {
		leaves[i] = merkletree.Leaf{Index: e.LeafIndex, Commitment: e.Commitment}
	}
	return leaves
}

// Validate runs the checks a spend must pass, in order: the snapshot root is
// known to the ledger, the nullifier hash is unspent, and the leaf was found.
func Validate(ctx context.Context, snap *merkletree.Snapshot, q ledger.Querier, nullifierHash *big.Int, leafIndex int) error {
	root := snap.Root()
	known, err := q.IsKnownRoot(ctx, root, uint64(snap.Size()))
	if err != nil {
		return fmt.Errorf("checking root: %w", err)
	}
	if !known {
		return fmt.Errorf("%w: root 0x%064x with %d leaves", ErrStaleOrCorruptRoot, root, snap.Size())
	}
	spent, err := q.IsSpent(ctx, nullifierHash)
	if err != nil {
		return fmt.Errorf("checking nullifier: %w", err)
	}
	if spent {
		return fmt.Errorf("%w: nullifier hash 0x%064x", ErrAlreadySpent, nullifierHash)
	}
	if leafIndex < 0 {
		return fmt.Errorf("%w: leaf index %d", ErrNotFound, leafIndex)
	}
	return nil
}

// Resolve locates n in the current tree, validates it and returns its
// membership proof.
func (r *Resolver) Resolve(ctx context.Context, n *note.Note) (*Membership, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	leafIndex, err := snap.LocateLeaf(n.Commitment)
	if err != nil && !errors.Is(err, merkletree.ErrNotFound) {
		return nil, err
	}
	if err := Validate(ctx, snap, r.querier, n.NullifierHash, leafIndex); err != nil {
		return nil, err
	}
	proof, err := snap.ProveMembership(leafIndex)
	if err != nil {
		return nil, err
	}
	logging.Logger().Info().
		Str("commitment", n.CommitmentHex()).
		Int("leaf_index", leafIndex).
		Int("tree_size", snap.Size()).
		Msg("resolved note membership")
	return &Membership{Proof: proof, TreeSize: uint64(snap.Size())}, nil
}
