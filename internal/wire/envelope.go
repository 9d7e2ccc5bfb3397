// ABOUTME: Envelope and SignedPayload, the encrypted wire format for one HTTP exchange.
// ABOUTME: Envelopes are ephemeral and never persisted.

package wire

// Compression identifies the byte-compression applied to a serialized batch.
type Compression int

const (
	CompressionNone Compression = 0
	CompressionZlib Compression = 1
)

// SignedPayload is the structure that gets encrypted into an envelope.
// Batch holds the serialized (possibly compressed) MessageList. Nonce is a
// high-resolution timestamp that doubles as the anti-replay token: a
// response is only accepted if it echoes the nonce of the request.
type SignedPayload struct {
	Batch       []byte      `cbor:"1,keyasint"`
	Compression Compression `cbor:"2,keyasint"`
	Signature   []byte      `cbor:"3,keyasint,omitempty"`
	Source      string      `cbor:"4,keyasint"`
	Nonce       uint64      `cbor:"5,keyasint"`
}

// Envelope is the outermost unit sent over HTTP. WrappedKey carries the
// symmetric key material encrypted under the recipient's public key.
type Envelope struct {
	WrappedKey []byte `cbor:"1,keyasint"`
	Ciphertext []byte `cbor:"2,keyasint"`
}

// SessionKey is the symmetric key material wrapped inside WrappedKey.
type SessionKey struct {
	Key []byte `cbor:"1,keyasint"`
	IV  []byte `cbor:"2,keyasint"`
}

// EnrollmentSessionID is the reserved session carrying certificate signing
// requests from agents that the coordinator does not recognize yet.
const EnrollmentSessionID = "enroll"
