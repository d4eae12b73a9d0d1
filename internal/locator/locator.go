// Package locator stores the base URL of the external media-processing
// backend. Exactly one value is live at a time and the last writer wins.
package locator

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidURL is returned by Set when the url is empty.
var ErrInvalidURL = errors.New("locator: url is required")

// Store holds the backend locator.
//
// Lookup reports ok=false when no value has ever been set; it never
// encodes "unset" as an empty string.
type Store interface {
	Lookup(ctx context.Context) (url string, ok bool, err error)
	Set(ctx context.Context, url string) error
}

// Validate checks a url before it is stored. The value itself is kept verbatim.
func Validate(url string) error {
	if strings.TrimSpace(url) == "" {
		return ErrInvalidURL
	}
	return nil
}
