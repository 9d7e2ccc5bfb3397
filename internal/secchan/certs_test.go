// ABOUTME: Tests for certificate helpers: self-signing, CSR issue, PEM round-trips.
// ABOUTME: Covers the pinned-root verification agents perform against probed certs.

package secchan

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSignedCert(t *testing.T) {
	_, sKey := testKeys(t)

	cert, err := SelfSignedCert(sKey, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, CoordinatorIdentity, cert.Subject.CommonName)
	assert.True(t, cert.IsCA)

	roots := x509.NewCertPool()
	roots.AddCert(cert)
	assert.NoError(t, VerifyServerCert(cert, roots))

	// A cert not in the pinned pool fails verification.
	assert.Error(t, VerifyServerCert(cert, x509.NewCertPool()))
}

func TestSignCSR(t *testing.T) {
	aKey, sKey := testKeys(t)

	caCert, err := SelfSignedCert(sKey, time.Hour)
	require.NoError(t, err)

	identity := IdentityForKey(&aKey.PublicKey)
	csr, err := CreateCSR(identity, aKey)
	require.NoError(t, err)

	cert, err := SignCSR(csr, 17, caCert, sKey, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, identity, cert.Subject.CommonName)
	assert.Equal(t, int64(17), cert.SerialNumber.Int64())

	pub, err := RSAPublicKey(cert)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&aKey.PublicKey))
}

func TestSignCSR_Garbage(t *testing.T) {
	_, sKey := testKeys(t)
	caCert, err := SelfSignedCert(sKey, time.Hour)
	require.NoError(t, err)

	_, err = SignCSR([]byte("not a csr"), 1, caCert, sKey, time.Hour)
	assert.Error(t, err)
}

func TestPEMRoundTrips(t *testing.T) {
	aKey, sKey := testKeys(t)

	keyBack, err := ParseKeyPEM(EncodeKeyPEM(aKey))
	require.NoError(t, err)
	assert.True(t, keyBack.Equal(aKey))

	cert, err := SelfSignedCert(sKey, time.Hour)
	require.NoError(t, err)
	certBack, err := ParseCertPEM(EncodeCertPEM(cert))
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, certBack.Raw)

	_, err = ParseCertPEM([]byte("junk"))
	assert.Error(t, err)
	_, err = ParseKeyPEM([]byte("junk"))
	assert.Error(t, err)
}
