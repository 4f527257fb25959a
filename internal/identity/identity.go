package identity

import "context"

// Principal is the authenticated caller established for a request.
type Principal struct {
	UserID        string
	Email         string
	EmailVerified bool
}

// Verifier resolves a bearer credential into a Principal. Every record
// operation consults it to establish ownership.
type Verifier interface {
	// Verify validates the credential and returns the principal it belongs
	// to. An invalid, expired or malformed credential returns an error.
	Verify(ctx context.Context, credential string) (*Principal, error)
}
