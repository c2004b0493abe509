package note

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/zyfrank/privacy-vault/hasher"
)

const ProtocolTag = "privacyVault"

var ErrInvalidFormat = errors.New("note: the note has invalid format")

var noteStringRegex = regexp.MustCompile(`^` + ProtocolTag + `-(\w+)-(\d+(?:\.\d+)?)-(\d+)-0x([0-9a-fA-F]{186})$`)

// NoteString is a decoded note string: the note plus the metadata it was shared with.
type NoteString struct {
	Currency string
	Amount   decimal.Decimal
	NetID    uint64
	Note     *Note
}

// EncodeNoteString renders privacyVault-<currency>-<amount>-<netId>-0x<preimage>,
// with the amount in whole currency units.
func EncodeNoteString(n *Note, currency string, netID uint64, decimals int32) string {
	return fmt.Sprintf("%s-%s-%s-%d-%s", ProtocolTag, currency, ToDecimals(n.Amount, decimals), netID, n.PreimageHex())
}

// DecodeNoteString parses a note string. Anything but an exact match of the
// grammar fails with ErrInvalidFormat.
func DecodeNoteString(h hasher.Hasher, s string) (*NoteString, error) {
	match := noteStringRegex.FindStringSubmatch(s)
	if match == nil {
		return nil, ErrInvalidFormat
	}

	amount, err := decimal.NewFromString(match[2])
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidFormat, match[2])
	}
	netID, err := strconv.ParseUint(match[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: network id %q", ErrInvalidFormat, match[3])
	}
	preimage, err := hex.DecodeString(match[4])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	n, err := FromPreimage(h, preimage)
	if err != nil {
		return nil, err
	}
	return &NoteString{
		Currency: match[1],
		Amount:   amount,
		NetID:    netID,
		Note:     n,
	}, nil
}

// DecodeNoteStringWithDecimals decodes s and checks its amount field against
// the preimage for a currency with the given decimals.
func DecodeNoteStringWithDecimals(h hasher.Hasher, s string, decimals int32) (*NoteString, error) {
	ns, err := DecodeNoteString(h, s)
	if err != nil {
		return nil, err
	}
	if err := ns.CheckAmount(decimals); err != nil {
		return nil, err
	}
	return ns, nil
}

func (ns *NoteString) String(decimals int32) string {
	return EncodeNoteString(ns.Note, ns.Currency, ns.NetID, decimals)
}

// CheckAmount verifies the human-readable amount agrees with the amount
// committed in the preimage.
func (ns *NoteString) CheckAmount(decimals int32) error {
	expected := decimal.NewFromBigInt(ns.Note.Amount, -decimals)
	if !expected.Equal(ns.Amount) {
		return fmt.Errorf("%w: note string says %s, preimage holds %s", ErrInvalidFormat, ns.Amount, expected)
	}
	return nil
}
