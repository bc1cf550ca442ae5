package auth

import "errors"

var (
	// ErrMissingCredentials is returned when a required auth header is absent
	// or unparseable.
	ErrMissingCredentials = errors.New("auth: missing or malformed credentials")
	// ErrBadSignature is returned when the recovered signer does not match
	// the claimed identity.
	ErrBadSignature = errors.New("auth: signature verification failed")
	// ErrNonceReplayed is returned when a request's nonce is not strictly
	// greater than the identity's last accepted nonce.
	ErrNonceReplayed = errors.New("auth: nonce already used")
)
