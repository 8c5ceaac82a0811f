// Package asset holds the transient records that flow through one ingestion
// batch: item references produced by the upstream provider and the files
// staged locally before upload.
package asset

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidItemID is returned when an upstream item identifier cannot be
// normalized to an integer.
var ErrInvalidItemID = errors.New("invalid item id")

// DefaultExtension is used when the asset host does not announce a usable
// content type.
const DefaultExtension = ".jpg"

// Ref points at the image asset of a single collection item.
type Ref struct {
	// ItemID is the base-10 normalized token id. Token ids are uint256 values.
	ItemID *big.Int

	// URI is where the asset bytes can be downloaded from.
	URI string
}

// Staged is an asset that has been written to the local staging directory.
type Staged struct {
	ItemID *big.Int
	Path   string
	Ext    string
}

// ParseItemID normalizes an upstream token identifier. Token ids and page
// tokens are always hexadecimal, so a bare "10" is 16; the 0x prefix is
// optional.
func ParseItemID(raw string) (*big.Int, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty %q", ErrInvalidItemID, raw)
	}

	v, ok := new(big.Int).SetString(s, 16)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidItemID, raw)
	}
	return v, nil
}

// FileName returns the staging/object file name for an item.
func FileName(id *big.Int, ext string) string {
	if ext == "" {
		ext = DefaultExtension
	}
	return id.String() + ext
}
