// Package vault runs deposits and spends against a vault ledger: it builds
// notes, resolves membership, asks the proving backend for proofs and submits
// the resulting transactions.
package vault

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/zyfrank/privacy-vault/hasher"
	"github.com/zyfrank/privacy-vault/ledger"
	merkletree "github.com/zyfrank/privacy-vault/merkle-tree"
	"github.com/zyfrank/privacy-vault/note"
	"github.com/zyfrank/privacy-vault/prover"
	"github.com/zyfrank/privacy-vault/resolver"
)

// Session is everything a flow needs about one vault deployment. It holds no
// per-flow state, so independent flows may share it.
type Session struct {
	Hasher     hasher.Hasher
	Ledger     ledger.Ledger
	Backend    prover.Backend
	Resolver   *resolver.Resolver
	NetID      uint64
	Currency   string
	Decimals   int32
	TreeHeight int
	ZeroValue  *big.Int
	Confirm    ledger.ConfirmOptions

	events          ledger.EventSource
	resolverOptions []resolver.Option
}

type Option func(*Session)

func WithHasher(h hasher.Hasher) Option {
	return func(s *Session) { s.Hasher = h }
}

// WithNetwork sets the network id and currency that note strings carry.
func WithNetwork(netID uint64, currency string, decimals int32) Option {
	return func(s *Session) {
		s.NetID = netID
		s.Currency = strings.ToLower(currency)
		s.Decimals = decimals
	}
}

func WithTree(height int, zeroValue *big.Int) Option {
	return func(s *Session) {
		s.TreeHeight = height
		s.ZeroValue = zeroValue
	}
}

func WithConfirmOptions(opts ledger.ConfirmOptions) Option {
	return func(s *Session) { s.Confirm = opts }
}

// WithEventSource replays events from source instead of the ledger itself.
func WithEventSource(source ledger.EventSource) Option {
	return func(s *Session) { s.events = source }
}

func WithResolverOptions(options ...resolver.Option) Option {
	return func(s *Session) { s.resolverOptions = append(s.resolverOptions, options...) }
}

func NewSession(l ledger.Ledger, backend prover.Backend, options ...Option) *Session {
	s := &Session{
		Hasher:     hasher.MiMC{},
		Ledger:     l,
		Backend:    backend,
		Currency:   "eth",
		Decimals:   18,
		TreeHeight: 20,
		Confirm:    ledger.DefaultConfirmOptions(),
	}
	for _, option := range options {
		option(s)
	}
	if s.ZeroValue == nil {
		s.ZeroValue = merkletree.DefaultZeroValue()
	}
	events := s.events
	if events == nil {
		events = l
	}
	s.Resolver = resolver.New(events, l, s.Hasher, s.TreeHeight, s.ZeroValue, s.resolverOptions...)
	return s
}

// NoteString renders n for this session's network and currency.
func (s *Session) NoteString(n *note.Note) string {
	return note.EncodeNoteString(n, s.Currency, s.NetID, s.Decimals)
}

// CheckNote rejects a note string minted for another deployment, or whose
// amount field disagrees with its preimage.
func (s *Session) CheckNote(ns *note.NoteString) error {
	if ns.NetID != s.NetID {
		return fmt.Errorf("%w: note is for netId%d, session is netId%d", ErrNetworkMismatch, ns.NetID, s.NetID)
	}
	if !strings.EqualFold(ns.Currency, s.Currency) {
		return fmt.Errorf("%w: note is for %s, session is %s", ErrCurrencyMismatch, ns.Currency, s.Currency)
	}
	return ns.CheckAmount(s.Decimals)
}

// ParseNote decodes and checks a note string.
func (s *Session) ParseNote(str string) (*note.NoteString, error) {
	ns, err := note.DecodeNoteStringWithDecimals(s.Hasher, str, s.Decimals)
	if err != nil {
		return nil, err
	}
	if err := s.CheckNote(ns); err != nil {
		return nil, err
	}
	return ns, nil
}
