package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend"
	"github.com/consensys/gnark/test"

	"github.com/zyfrank/privacy-vault/hasher"
	merkletree "github.com/zyfrank/privacy-vault/merkle-tree"
	"github.com/zyfrank/privacy-vault/note"
)

const testTreeHeight = 4

// spendFixture deposits three notes and returns the spend parameters for the
// second one, spending 30 of its 100.
func spendFixture(t *testing.T) *SpendParameters {
	t.Helper()
	h := hasher.MiMC{}
	var notes []*note.Note
	var leaves []merkletree.Leaf
	for i, amount := range []int64{5, 100, 7} {
		n, err := note.CreateNote(h, big.NewInt(int64(11+i)), big.NewInt(int64(21+i)), big.NewInt(amount))
		if err != nil {
			t.Fatal(err)
		}
		notes = append(notes, n)
		leaves = append(leaves, merkletree.Leaf{Index: uint32(i), Commitment: n.Commitment})
	}
	snap, err := merkletree.Rebuild(leaves, testTreeHeight, h, merkletree.DefaultZeroValue())
	if err != nil {
		t.Fatal(err)
	}
	proof, err := snap.ProveMembership(1)
	if err != nil {
		t.Fatal(err)
	}

	params := &SpendParameters{
		PathElements: make([]big.Int, len(proof.PathElements)),
		PathIndices:  proof.PathIndices,
	}
	params.Root.Set(proof.Root)
	params.NullifierHash.Set(notes[1].NullifierHash)
	params.Amount.SetInt64(30)
	params.Remainder.SetInt64(70)
	params.Recipient.SetUint64(0xaa)
	params.Nullifier.Set(notes[1].Nullifier)
	params.Secret.Set(notes[1].Secret)
	for i, e := range proof.PathElements {
		params.PathElements[i].Set(e)
	}
	return params
}

func commitmentFixture(t *testing.T) *CommitmentParameters {
	t.Helper()
	n, err := note.CreateNote(hasher.MiMC{}, big.NewInt(3), big.NewInt(4), big.NewInt(70))
	if err != nil {
		t.Fatal(err)
	}
	params := &CommitmentParameters{}
	params.Commitment.Set(n.Commitment)
	params.Amount.Set(n.Amount)
	params.Nullifier.Set(n.Nullifier)
	params.Secret.Set(n.Secret)
	return params
}

func TestSpendCircuit(t *testing.T) {
	assert := test.NewAssert(t)
	options := []test.TestingOption{test.WithBackends(backend.GROTH16), test.WithCurves(ecc.BN254), test.NoSerializationChecks()}

	valid := spendFixture(t)
	assert.ProverSucceeded(newSpendCircuit(testTreeHeight), valid.assignment(), options...)

	wrongRemainder := spendFixture(t)
	wrongRemainder.Remainder.SetInt64(71)
	assert.ProverFailed(newSpendCircuit(testTreeHeight), wrongRemainder.assignment(), options...)

	wrongNullifierHash := spendFixture(t)
	wrongNullifierHash.NullifierHash.SetInt64(1)
	assert.ProverFailed(newSpendCircuit(testTreeHeight), wrongNullifierHash.assignment(), options...)

	wrongRoot := spendFixture(t)
	wrongRoot.Root.SetInt64(1)
	assert.ProverFailed(newSpendCircuit(testTreeHeight), wrongRoot.assignment(), options...)

	wrongPath := spendFixture(t)
	wrongPath.PathIndices = []uint{1, 1, 0, 0}
	assert.ProverFailed(newSpendCircuit(testTreeHeight), wrongPath.assignment(), options...)

	wrongSecret := spendFixture(t)
	wrongSecret.Secret.SetInt64(99)
	assert.ProverFailed(newSpendCircuit(testTreeHeight), wrongSecret.assignment(), options...)
}

func TestSpendCircuitRejectsOversizedAmount(t *testing.T) {
	assert := test.NewAssert(t)
	// amount + remainder wraps to the note's amount modulo p
	params := spendFixture(t)
	wrapped := new(big.Int).Sub(hasher.FieldModulus(), big.NewInt(1))
	params.Amount.Set(wrapped)
	params.Remainder.SetInt64(101)
	assert.ProverFailed(newSpendCircuit(testTreeHeight), params.assignment(),
		test.WithBackends(backend.GROTH16), test.WithCurves(ecc.BN254), test.NoSerializationChecks())
}

func TestCommitmentCircuit(t *testing.T) {
	assert := test.NewAssert(t)
	options := []test.TestingOption{test.WithBackends(backend.GROTH16), test.WithCurves(ecc.BN254), test.NoSerializationChecks()}
	params := commitmentFixture(t)

	assert.ProverSucceeded(&CommitmentCircuit{}, &CommitmentCircuit{
		Commitment: params.Commitment,
		Amount:     params.Amount,
		Nullifier:  params.Nullifier,
		Secret:     params.Secret,
	}, options...)

	assert.ProverFailed(&CommitmentCircuit{}, &CommitmentCircuit{
		Commitment: params.Commitment,
		Amount:     71,
		Nullifier:  params.Nullifier,
		Secret:     params.Secret,
	}, options...)
}

func TestSpendParametersJSON(t *testing.T) {
	assert := test.NewAssert(t)
	params := spendFixture(t)
	data, err := json.Marshal(params)
	assert.NoError(err)

	meta, err := ParseProofRequestMeta(data)
	assert.NoError(err)
	assert.Equal(SpendCircuitType, meta.CircuitType)
	assert.Equal(uint32(testTreeHeight), meta.TreeHeight)

	w, err := ParseWitness(data)
	assert.NoError(err)
	decoded, ok := w.(*SpendParameters)
	assert.True(ok)
	assert.Equal(0, decoded.Root.Cmp(&params.Root))
	assert.Equal(0, decoded.Remainder.Cmp(&params.Remainder))
	assert.Equal(params.PathIndices, decoded.PathIndices)
	for i := range params.PathElements {
		assert.Equal(0, decoded.PathElements[i].Cmp(&params.PathElements[i]))
	}

	_, err = ParseProofRequestMeta([]byte(`{"circuitType":"spend"}`))
	assert.Error(err)
	_, err = ParseProofRequestMeta([]byte(`{"circuitType":"inclusion","treeHeight":4}`))
	assert.Error(err)
	_, err = ParseProofRequestMeta([]byte(`{`))
	assert.Error(err)
}

func TestCommitmentProofRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	assert := test.NewAssert(t)
	ps, err := SetupCommitment()
	assert.NoError(err)

	params := commitmentFixture(t)
	proof, err := ProveCommitment(context.Background(), ps, params)
	assert.NoError(err)
	assert.NoError(VerifyCommitment(ps, params.Commitment, params.Amount, proof))

	calldata, err := proof.Calldata()
	assert.NoError(err)
	assert.Equal(CalldataSize, len(calldata))

	decoded, err := ProofFromCalldata(calldata)
	assert.NoError(err)
	assert.NoError(VerifyCommitment(ps, params.Commitment, params.Amount, decoded))
	var wrongAmount big.Int
	wrongAmount.SetInt64(71)
	assert.Error(VerifyCommitment(ps, params.Commitment, wrongAmount, decoded))

	data, err := json.Marshal(proof)
	assert.NoError(err)
	var fromJSON Proof
	assert.NoError(json.Unmarshal(data, &fromJSON))
	again, err := fromJSON.Calldata()
	assert.NoError(err)
	assert.Equal(calldata, again)

	var buf bytes.Buffer
	_, err = ps.WriteTo(&buf)
	assert.NoError(err)
	var read ProvingSystem
	_, err = read.UnsafeReadFrom(&buf)
	assert.NoError(err)
	assert.Equal(CommitmentCircuitType, read.CircuitType)
	assert.NoError(VerifyCommitment(&read, params.Commitment, params.Amount, decoded))

	_, err = ProofFromCalldata(calldata[:CalldataSize-1])
	assert.Error(err)
}

func TestProveHonoursCancellation(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	assert := test.NewAssert(t)
	ps, err := SetupCommitment()
	assert.NoError(err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ProveCommitment(ctx, ps, commitmentFixture(t))
	assert.ErrorIs(err, context.Canceled)
}
