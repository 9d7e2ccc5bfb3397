// ABOUTME: Error kinds for the secure channel codec.
// ABOUTME: Crypto failures are hard failures and never degrade to plaintext handling.

package secchan

import "errors"

// ErrDecryption is returned when the wrapped key is missing, cannot be
// unwrapped, carries key material of the wrong length, or the ciphertext
// does not decrypt cleanly. Callers must treat it as fatal for the batch.
var ErrDecryption = errors.New("envelope decryption failed")

// ErrDecoding is returned when the decrypted payload cannot be parsed:
// unknown compression flag, corrupt compressed stream, or malformed CBOR.
var ErrDecoding = errors.New("envelope decoding failed")

// ErrUnknownClientCert is returned when a signed payload names a source
// whose public key is not in the identity cache at all. This is distinct
// from a signature mismatch, which yields an unauthenticated result
// rather than an error.
var ErrUnknownClientCert = errors.New("unknown client certificate")

// ErrUnknownRecipient is returned by Encode when the recipient identity
// cannot be resolved to a cached public key.
var ErrUnknownRecipient = errors.New("unknown recipient identity")
