// Package secchan implements the secure channel codec: it signs, compresses
// and encrypts batches of messages into envelopes, and verifies, decrypts
// and decompresses them on the other side.
//
// Every envelope carries a fresh AES session key wrapped under the
// recipient's RSA public key (OAEP), an AES-CBC ciphertext of the signed
// payload, and a monotonic nonce used to reject replayed responses.
// Signatures are RSA-PSS over a SHA-256 digest of the serialized batch.
//
// Peer public keys live in an IdentityCache keyed by identity string and
// versioned by a monotonically increasing certificate serial, so a revoked
// certificate can never be replayed back into the cache.
package secchan
