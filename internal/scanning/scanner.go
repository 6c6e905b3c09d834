package scanning

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMissingAPIKey is returned when a hosted model is selected but no credential was configured
	ErrMissingAPIKey = errors.New("api key is not configured")

	// ErrEmptyResponse is returned when a hosted model answers without any text
	ErrEmptyResponse = errors.New("model returned an empty response")
)

// Result is the outcome of a single receipt analysis.
//
// Text is always the markdown shown to the user. Record is only set by
// strategies that produce structured data (OCR); vision models return free
// text that is displayed verbatim.
type Result struct {
	Strategy      string
	PromptVersion string
	Text          string
	Record        *Record
	Lines         []string
}

// Scanner is a receipt analysis strategy
type Scanner interface {
	// ScanReceipt analyzes a receipt image and returns the text to display
	ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*Result, error)
	// Name identifies the strategy in logs and API responses
	Name() string
	// Close closes the scanner and releases resources
	Close() error
}

// Unconfigured stands in for a hosted model whose credential is missing.
// The page still loads; every analysis fails with ErrMissingAPIKey.
type Unconfigured struct {
	provider string
}

// NewUnconfigured creates a Scanner that always reports a missing credential
func NewUnconfigured(provider string) *Unconfigured {
	return &Unconfigured{provider: provider}
}

func (u *Unconfigured) ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*Result, error) {
	return nil, fmt.Errorf("%s: %w", u.provider, ErrMissingAPIKey)
}

func (u *Unconfigured) Name() string {
	return u.provider
}

func (u *Unconfigured) Close() error {
	return nil
}
