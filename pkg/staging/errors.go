package staging

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrDownloadFailed matches every *DownloadError.
var ErrDownloadFailed = errors.New("asset download failed")

// DownloadError reports an asset that could not be fetched.
type DownloadError struct {
	ItemID     *big.Int
	URI        string
	StatusCode int // 0 when no response was received
	Err        error
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download item %s from %s: status %d", e.ItemID, e.URI, e.StatusCode)
	}
	return fmt.Sprintf("download item %s from %s: %v", e.ItemID, e.URI, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Is makes every DownloadError match ErrDownloadFailed.
func (e *DownloadError) Is(target error) bool {
	return target == ErrDownloadFailed
}
