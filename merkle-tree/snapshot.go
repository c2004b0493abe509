package merkle_tree

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/zyfrank/privacy-vault/hasher"
)

var (
	ErrNotFound        = errors.New("merkle tree: the deposit is not found in the tree")
	ErrConflictingLeaf = errors.New("merkle tree: two different commitments share a leaf index")
)

// Leaf is a commitment at its ledger-assigned index.
type Leaf struct {
	Index      uint32
	Commitment *big.Int
}

// Snapshot is the commitment tree rebuilt from deposit history.
type Snapshot struct {
	tree      *MerkleTree
	hasher    hasher.Hasher
	leaves    map[uint32]*big.Int
	positions map[string]int
	size      int
}

// Rebuild sorts leaves by ledger index and inserts them into an empty tree of
// the given height. Arrival order of leaves is irrelevant.
func Rebuild(leaves []Leaf, height int, h hasher.Hasher, zeroValue *big.Int) (*Snapshot, error) {
	s := &Snapshot{
		tree:      NewTree(height, h, zeroValue),
		hasher:    h,
		leaves:    make(map[uint32]*big.Int),
		positions: make(map[string]int),
	}
	if err := s.insert(leaves, 0); err != nil {
		return nil, err
	}
	return s, nil
}

// Append extends the snapshot with leaves at or beyond its current size.
// Leaves already present with the same commitment are ignored.
func (s *Snapshot) Append(leaves []Leaf) error {
	return s.insert(leaves, s.size)
}

func (s *Snapshot) insert(leaves []Leaf, from int) error {
	sorted := make([]Leaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	for _, leaf := range sorted {
		if existing, ok := s.leaves[leaf.Index]; ok {
			if existing.Cmp(leaf.Commitment) != 0 {
				return fmt.Errorf("%w: index %d", ErrConflictingLeaf, leaf.Index)
			}
			continue
		}
		if int(leaf.Index) < from {
			return fmt.Errorf("%w: index %d is below snapshot size %d", ErrConflictingLeaf, leaf.Index, from)
		}
		if _, err := s.tree.Update(int(leaf.Index), leaf.Commitment); err != nil {
			return err
		}
		s.leaves[leaf.Index] = new(big.Int).Set(leaf.Commitment)
		key := leaf.Commitment.String()
		if _, seen := s.positions[key]; !seen {
			s.positions[key] = int(leaf.Index)
		}
		if int(leaf.Index)+1 > s.size {
			s.size = int(leaf.Index) + 1
		}
	}
	return nil
}

func (s *Snapshot) Root() *big.Int {
	return s.tree.RootHash()
}

// Size is the number of leaf slots in use: highest ledger index + 1.
func (s *Snapshot) Size() int {
	return s.size
}

func (s *Snapshot) Height() int {
	return s.tree.Depth()
}

// LocateLeaf returns the lowest index holding commitment.
func (s *Snapshot) LocateLeaf(commitment *big.Int) (int, error) {
	index, ok := s.positions[commitment.String()]
	if !ok {
		return -1, fmt.Errorf("%w: commitment 0x%064x", ErrNotFound, commitment)
	}
	return index, nil
}

// Copy returns an independent snapshot.
func (s *Snapshot) Copy() *Snapshot {
	leaves := make(map[uint32]*big.Int, len(s.leaves))
	for k, v := range s.leaves {
		leaves[k] = v
	}
	positions := make(map[string]int, len(s.positions))
	for k, v := range s.positions {
		positions[k] = v
	}
	return &Snapshot{
		tree:      &MerkleTree{Root: s.tree.Root, hasher: s.tree.hasher},
		hasher:    s.hasher,
		leaves:    leaves,
		positions: positions,
		size:      s.size,
	}
}

type MembershipProof struct {
	Root      *big.Int
	LeafIndex int
	// PathElements holds one sibling per level, leaf level first.
	PathElements []*big.Int
	// PathIndices holds one direction bit per level: 1 when the path node is a right child.
	PathIndices []uint
}

func (s *Snapshot) ProveMembership(index int) (*MembershipProof, error) {
	if _, ok := s.leaves[uint32(index)]; index < 0 || !ok {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	siblings := s.tree.GetProofByIndex(index)
	proof := &MembershipProof{
		Root:         s.Root(),
		LeafIndex:    index,
		PathElements: make([]*big.Int, len(siblings)),
		PathIndices:  make([]uint, len(siblings)),
	}
	for i := range siblings {
		proof.PathElements[i] = new(big.Int).Set(&siblings[i])
		proof.PathIndices[i] = uint(index>>i) & 1
	}
	return proof, nil
}

// Verify recomputes the root from leaf and the path.
func (p *MembershipProof) Verify(h hasher.Hasher, leaf *big.Int) bool {
	current := new(big.Int).Set(leaf)
	for i, sibling := range p.PathElements {
		var err error
		if p.PathIndices[i] == 1 {
			current, err = h.Hash(sibling, current)
		} else {
			current, err = h.Hash(current, sibling)
		}
		if err != nil {
			return false
		}
	}
	return current.Cmp(p.Root) == 0
}
