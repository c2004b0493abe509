package merkle_tree

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zyfrank/privacy-vault/hasher"
)

var ErrTreeFull = errors.New("merkle tree: leaf index exceeds tree capacity")

type Node interface {
	depth() int
	Value() big.Int
	withValue(index int, val big.Int) Node
	writeProof(index int, out []big.Int)
}

func indexIsLeft(index int, depth int) bool {
	return index&(1<<(depth-1)) == 0
}

type FullNode struct {
	dep    int
	val    big.Int
	hasher hasher.Hasher
	Left   Node
	Right  Node
}

type EmptyNode struct {
	dep             int
	hasher          hasher.Hasher
	emptyTreeValues []big.Int
}

func (node *FullNode) depth() int {
	return node.dep
}

func (node *EmptyNode) depth() int {
	return node.dep
}

func (node *FullNode) Value() big.Int {
	return node.val
}

func (node *EmptyNode) Value() big.Int {
	return node.emptyTreeValues[node.depth()]
}

func (node *FullNode) withValue(index int, val big.Int) Node {
	result := FullNode{
		dep:    node.depth(),
		hasher: node.hasher,
		Left:   node.Left,
		Right:  node.Right,
	}
	if node.depth() == 0 {
		result.val = val
	} else {
		if indexIsLeft(index, node.depth()) {
			result.Left = node.Left.withValue(index, val)
		} else {
			result.Right = node.Right.withValue(index, val)
		}
		result.initHash()
	}
	return &result
}

func (node *EmptyNode) withValue(index int, val big.Int) Node {
	result := FullNode{
		dep:    node.depth(),
		hasher: node.hasher,
	}
	if node.depth() == 0 {
		result.val = val
	} else {
		emptyChild := EmptyNode{dep: node.depth() - 1, hasher: node.hasher, emptyTreeValues: node.emptyTreeValues}
		initializedChild := emptyChild.withValue(index, val)
		if indexIsLeft(index, node.depth()) {
			result.Left = initializedChild
			result.Right = &emptyChild
		} else {
			result.Left = &emptyChild
			result.Right = initializedChild
		}
		result.initHash()
	}
	return &result
}

func (node *FullNode) writeProof(index int, out []big.Int) {
	if node.depth() == 0 {
		return
	}
	if indexIsLeft(index, node.depth()) {
		out[node.depth()-1] = node.Right.Value()
		node.Left.writeProof(index, out)
	} else {
		out[node.depth()-1] = node.Left.Value()
		node.Right.writeProof(index, out)
	}
}

func (node *EmptyNode) writeProof(index int, out []big.Int) {
	for i := 0; i < node.depth(); i++ {
		out[i] = node.emptyTreeValues[i]
	}
}

// Children always hold field elements, so hashing cannot fail here.
func (node *FullNode) initHash() {
	leftVal := node.Left.Value()
	rightVal := node.Right.Value()
	newVal, _ := node.hasher.Hash(&leftVal, &rightVal)
	node.val = *newVal
}

// MerkleTree is a persistent fixed-height binary tree: Update returns a new root
// sharing unchanged subtrees with the previous one.
type MerkleTree struct {
	Root   Node
	hasher hasher.Hasher
}

func NewTree(depth int, h hasher.Hasher, zeroValue *big.Int) *MerkleTree {
	initHashes := make([]big.Int, depth+1)
	initHashes[0].Set(zeroValue)
	for i := 1; i <= depth; i++ {
		val, _ := h.Hash(&initHashes[i-1], &initHashes[i-1])
		initHashes[i] = *val
	}
	return &MerkleTree{
		Root:   &EmptyNode{dep: depth, hasher: h, emptyTreeValues: initHashes},
		hasher: h,
	}
}

func (tree *MerkleTree) Depth() int {
	return tree.Root.depth()
}

func (tree *MerkleTree) Capacity() int {
	return 1 << tree.Depth()
}

func (tree *MerkleTree) RootHash() *big.Int {
	root := tree.Root.Value()
	return new(big.Int).Set(&root)
}

func (tree *MerkleTree) Update(index int, value *big.Int) ([]big.Int, error) {
	if index < 0 || index >= tree.Capacity() {
		return nil, fmt.Errorf("%w: index %d, capacity %d", ErrTreeFull, index, tree.Capacity())
	}
	if err := hasher.CheckField(value); err != nil {
		return nil, err
	}
	tree.Root = tree.Root.withValue(index, *value)
	return tree.GetProofByIndex(index), nil
}

// GetProofByIndex returns the sibling path, leaf level first.
func (tree *MerkleTree) GetProofByIndex(index int) []big.Int {
	proof := make([]big.Int, tree.Root.depth())
	tree.Root.writeProof(index, proof)
	return proof
}

// DefaultZeroValue is the empty-leaf value: keccak256("privacy-vault") reduced
// into the scalar field.
func DefaultZeroValue() *big.Int {
	digest := crypto.Keccak256([]byte("privacy-vault"))
	return new(big.Int).Mod(new(big.Int).SetBytes(digest), hasher.FieldModulus())
}
