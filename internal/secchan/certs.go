// ABOUTME: X.509 helpers for the coordinator certificate and agent enrollment.
// ABOUTME: CSR build/sign plus PEM round-trips; serials only ever count upward.

package secchan

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// CoordinatorIdentity is the reserved identity string for the coordinator.
const CoordinatorIdentity = "coordinator"

// rsaKeyBits is the key size for generated identities.
const rsaKeyBits = 2048

// GenerateKey creates a new RSA private key for an agent or coordinator.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, rsaKeyBits)
}

// SelfSignedCert issues the coordinator's own certificate, used both as
// the trust root agents validate against and as the key agents encrypt to.
func SelfSignedCert(priv *rsa.PrivateKey, validFor time.Duration) (*x509.Certificate, error) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: CoordinatorIdentity},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("creating self-signed certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// CreateCSR builds a certificate signing request for an agent identity.
func CreateCSR(identity string, priv *rsa.PrivateKey) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: identity},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, priv)
	if err != nil {
		return nil, fmt.Errorf("creating csr: %w", err)
	}
	return der, nil
}

// SignCSR has the coordinator issue a certificate for the request with the
// given serial. The serial must be strictly greater than any serial
// previously issued for the same identity; the identity cache enforces
// this on the read side too.
func SignCSR(csrDER []byte, serial int64, caCert *x509.Certificate, caKey *rsa.PrivateKey, validFor time.Duration) (*x509.Certificate, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("parsing csr: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("csr signature: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, csr.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("signing csr: %w", err)
	}
	return x509.ParseCertificate(der)
}

// VerifyServerCert checks that cert chains to the pinned trust root.
func VerifyServerCert(cert *x509.Certificate, roots *x509.CertPool) error {
	_, err := cert.Verify(x509.VerifyOptions{Roots: roots})
	if err != nil {
		return fmt.Errorf("server certificate not trusted: %w", err)
	}
	return nil
}

// RSAPublicKey extracts the RSA public key from a certificate.
func RSAPublicKey(cert *x509.Certificate) (*rsa.PublicKey, error) {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate does not carry an RSA key")
	}
	return pub, nil
}

// EncodeCertPEM renders a certificate as PEM.
func EncodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// ParseCertPEM parses the first certificate block in data.
func ParseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// EncodeKeyPEM renders a private key as PKCS#1 PEM.
func EncodeKeyPEM(priv *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
}

// ParseKeyPEM parses a PKCS#1 private key block.
func ParseKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, errors.New("no private key block found")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}
