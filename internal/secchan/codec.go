// ABOUTME: Encode/Decode for the encrypted, signed, optionally compressed envelope.
// ABOUTME: AES-CBC payload cipher, RSA-OAEP key wrap, RSA-PSS signatures, monotonic nonces.

package secchan

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/2389/fleetlink/internal/wire"
)

const (
	sessionKeySize = 16 // AES-128
	nonceCacheTTL  = 10 * time.Minute
	nonceCacheSize = 65536
)

// DecodeResult is what comes out of a successful Decode. Authenticated is
// true only when digest, cached signer key and nonce all verified; the
// messages carry the matching AuthState either way, so diagnostics can
// still observe unauthenticated traffic while privileged actions check
// the flag.
type DecodeResult struct {
	Messages      []*wire.Message
	Source        string
	Nonce         uint64
	Authenticated bool
	// QueueDepth is the sender's declared inbound queue depth, used by
	// the coordinator to throttle how much new work it sends back.
	QueueDepth uint64
}

// Codec encodes and decodes envelopes on behalf of one identity. It holds
// the identity's private key, the cache of trusted peer keys, and the
// replay state for nonces it has handed out or consumed.
type Codec struct {
	identity string
	priv     *rsa.PrivateKey
	peers    *IdentityCache

	mu        sync.Mutex
	lastNonce uint64

	consumed *nonceCache
}

// NewCodec returns a codec signing as identity with priv, trusting the
// peer keys in cache.
func NewCodec(identity string, priv *rsa.PrivateKey, peers *IdentityCache) *Codec {
	return &Codec{
		identity: identity,
		priv:     priv,
		peers:    peers,
		consumed: newNonceCache(nonceCacheTTL, nonceCacheSize),
	}
}

// Identity returns the identity string this codec signs as.
func (c *Codec) Identity() string { return c.identity }

// Peers returns the identity cache the codec verifies against.
func (c *Codec) Peers() *IdentityCache { return c.peers }

// nextNonce returns a strictly increasing nonce derived from the
// high-resolution clock. Two calls in the same nanosecond still differ.
func (c *Codec) nextNonce() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := uint64(time.Now().UnixNano())
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// Encode signs, compresses and encrypts a batch of messages for recipient,
// generating a fresh nonce. The returned nonce must be remembered by the
// caller: the peer's response is only valid if it echoes it.
func (c *Codec) Encode(list *wire.MessageList, recipient string) (*wire.Envelope, uint64, error) {
	nonce := c.nextNonce()
	env, err := c.EncodeWithNonce(list, recipient, nonce)
	return env, nonce, err
}

// EncodeUnsigned is Encode without a signature. It exists for exactly one
// exchange: enrollment, where the peer cannot know our key yet. The batch
// will come out of the peer's Decode unauthenticated.
func (c *Codec) EncodeUnsigned(list *wire.MessageList, recipient string) (*wire.Envelope, uint64, error) {
	nonce := c.nextNonce()
	env, err := c.encode(list, recipient, nonce, false)
	return env, nonce, err
}

// EncodeWithNonce is Encode with an explicit nonce. The responder side of
// an exchange uses it to echo the nonce it decoded from the request.
func (c *Codec) EncodeWithNonce(list *wire.MessageList, recipient string, nonce uint64) (*wire.Envelope, error) {
	return c.encode(list, recipient, nonce, true)
}

// encode is the shared implementation behind the Encode variants.
func (c *Codec) encode(list *wire.MessageList, recipient string, nonce uint64, signed bool) (*wire.Envelope, error) {
	pub, ok := c.peers.Get(recipient)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, recipient)
	}

	batch, err := wire.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("serializing batch: %w", err)
	}

	// Keep the compressed form only if it is strictly smaller.
	compression := wire.CompressionNone
	if packed := deflate(batch); len(packed) < len(batch) {
		batch = packed
		compression = wire.CompressionZlib
	}

	var sig []byte
	if signed {
		digest := sha256.Sum256(batch)
		sig, err = rsa.SignPSS(rand.Reader, c.priv, crypto256(), digest[:], nil)
		if err != nil {
			return nil, fmt.Errorf("signing batch: %w", err)
		}
	}

	payload := &wire.SignedPayload{
		Batch:       batch,
		Compression: compression,
		Signature:   sig,
		Source:      c.identity,
		Nonce:       nonce,
	}
	plaintext, err := wire.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serializing signed payload: %w", err)
	}

	key := make([]byte, sessionKeySize)
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}

	ciphertext, err := encryptCBC(key, iv, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}

	keyBlob, err := wire.Marshal(&wire.SessionKey{Key: key, IV: iv})
	if err != nil {
		return nil, fmt.Errorf("serializing session key: %w", err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, keyBlob, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping session key: %w", err)
	}

	return &wire.Envelope{WrappedKey: wrapped, Ciphertext: ciphertext}, nil
}

// Decode unwraps, decrypts, decompresses and verifies an envelope.
// expectedNonce is the nonce this codec generated for the outbound half of
// the exchange; pass zero on the responder side, where any fresh nonce is
// acceptable. Crypto failures are hard errors; a failed signature or a
// replayed nonce downgrades the result to unauthenticated instead.
func (c *Codec) Decode(env *wire.Envelope, expectedNonce uint64) (*DecodeResult, error) {
	if len(env.WrappedKey) == 0 {
		return nil, fmt.Errorf("%w: no wrapped key", ErrDecryption)
	}

	keyBlob, err := rsa.DecryptOAEP(sha256.New(), nil, c.priv, env.WrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping session key: %v", ErrDecryption, err)
	}
	var sk wire.SessionKey
	if err := wire.Unmarshal(keyBlob, &sk); err != nil {
		return nil, fmt.Errorf("%w: parsing session key: %v", ErrDecryption, err)
	}
	if len(sk.Key) != sessionKeySize || len(sk.IV) != aes.BlockSize {
		return nil, fmt.Errorf("%w: bad key or iv length", ErrDecryption)
	}

	plaintext, err := decryptCBC(sk.Key, sk.IV, env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	var payload wire.SignedPayload
	if err := wire.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: parsing signed payload: %v", ErrDecoding, err)
	}

	batch := payload.Batch
	switch payload.Compression {
	case wire.CompressionNone:
	case wire.CompressionZlib:
		batch, err = inflate(batch)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing batch: %v", ErrDecoding, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported compression flag %d", ErrDecoding, payload.Compression)
	}

	var list wire.MessageList
	if err := wire.Unmarshal(batch, &list); err != nil {
		return nil, fmt.Errorf("%w: parsing batch: %v", ErrDecoding, err)
	}

	result := &DecodeResult{
		Messages:   list.Items,
		Source:     payload.Source,
		Nonce:      payload.Nonce,
		QueueDepth: list.QueueDepth,
	}

	if len(payload.Signature) > 0 {
		pub, ok := c.peers.Get(payload.Source)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownClientCert, payload.Source)
		}
		digest := sha256.Sum256(payload.Batch)
		sigOK := rsa.VerifyPSS(pub, crypto256(), digest[:], payload.Signature, nil) == nil
		nonceOK := expectedNonce == 0 || payload.Nonce == expectedNonce
		fresh := !c.consumed.consume(payload.Source, payload.Nonce)
		result.Authenticated = sigOK && nonceOK && fresh
	}

	state := wire.AuthUnauthenticated
	if result.Authenticated {
		state = wire.AuthAuthenticated
	}
	for _, m := range result.Messages {
		m.AuthState = state
	}
	return result, nil
}
