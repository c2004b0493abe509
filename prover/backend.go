package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/zyfrank/privacy-vault/ledger"
	"github.com/zyfrank/privacy-vault/logging"
)

// Backend produces a proof for a witness. The circuit is chosen by the
// witness type; the backend holds the proving keys.
type Backend interface {
	Prove(ctx context.Context, w Witness) (*Proof, error)
}

// LocalBackend proves in-process with loaded proving systems.
type LocalBackend struct {
	systems []*ProvingSystem
}

func NewLocalBackend(systems ...*ProvingSystem) *LocalBackend {
	return &LocalBackend{systems: systems}
}

func (b *LocalBackend) System(circuit CircuitType, treeHeight uint32) (*ProvingSystem, error) {
	for _, ps := range b.systems {
		if ps.CircuitType != circuit {
			continue
		}
		if circuit == SpendCircuitType && ps.TreeHeight != treeHeight {
			continue
		}
		return ps, nil
	}
	return nil, fmt.Errorf("no proving system for %s circuit with tree height %d", circuit, treeHeight)
}

func (b *LocalBackend) Prove(ctx context.Context, w Witness) (*Proof, error) {
	switch params := w.(type) {
	case *SpendParameters:
		ps, err := b.System(SpendCircuitType, params.TreeHeight())
		if err != nil {
			return nil, err
		}
		return ProveSpend(ctx, ps, params)
	case *CommitmentParameters:
		ps, err := b.System(CommitmentCircuitType, 0)
		if err != nil {
			return nil, err
		}
		return ProveCommitment(ctx, ps, params)
	default:
		return nil, fmt.Errorf("unsupported witness %T", w)
	}
}

// VerifySpend checks spend calldata against the spend's public arguments.
func (b *LocalBackend) VerifySpend(calldata []byte, args ledger.SpendArgs) error {
	var ps *ProvingSystem
	for _, candidate := range b.systems {
		if candidate.CircuitType == SpendCircuitType {
			ps = candidate
			break
		}
	}
	if ps == nil {
		return fmt.Errorf("no spend proving system loaded")
	}
	proof, err := ProofFromCalldata(calldata)
	if err != nil {
		return err
	}
	var public SpendPublicInputs
	public.Root.Set(args.Root)
	public.NullifierHash.Set(args.NullifierHash)
	public.Amount.Set(args.Amount)
	public.Remainder.Set(args.Remainder)
	public.Recipient.SetBytes(args.Recipient.Bytes())
	return VerifySpend(ps, public, proof)
}

func (b *LocalBackend) VerifyCommitment(calldata []byte, args ledger.DepositArgs) error {
	ps, err := b.System(CommitmentCircuitType, 0)
	if err != nil {
		return err
	}
	proof, err := ProofFromCalldata(calldata)
	if err != nil {
		return err
	}
	var commitment, amount big.Int
	commitment.Set(args.Commitment)
	amount.Set(args.Amount)
	return VerifyCommitment(ps, commitment, amount, proof)
}

// RemoteBackend asks a prover service over HTTP.
type RemoteBackend struct {
	URL    string
	Client *http.Client
}

func NewRemoteBackend(url string) *RemoteBackend {
	return &RemoteBackend{
		URL:    strings.TrimRight(url, "/"),
		Client: &http.Client{Timeout: 10 * time.Minute},
	}
}

type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (b *RemoteBackend) Prove(ctx context.Context, w Witness) (*Proof, error) {
	body, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL+"/prove", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	logging.Logger().Info().Str("circuit", string(w.Circuit())).Str("url", b.URL).Msg("requesting remote proof")
	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var remote remoteError
		if json.Unmarshal(data, &remote) == nil && remote.Code != "" {
			return nil, fmt.Errorf("prover service: %s: %s", remote.Code, remote.Message)
		}
		return nil, fmt.Errorf("prover service: status %d", resp.StatusCode)
	}

	var proof Proof
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, fmt.Errorf("decoding proof: %w", err)
	}
	return &proof, nil
}

var (
	_ Backend = (*LocalBackend)(nil)
	_ Backend = (*RemoteBackend)(nil)
)
