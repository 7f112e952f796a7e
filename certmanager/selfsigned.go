/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

// Package certmanager mints leaf TLS certificates on the fly for whatever
// hostname the Application Protocol observed in a ClientHello's SNI
// extension, so tmmp can terminate a client's handshake transparently.
package certmanager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/youmark/pkcs8"

	tmmp "github.com/stralsundsecurity/tmmp"
)

// SelfSigned implements Manager by self-signing every leaf with a
// per-process RSA-3072 key, matching the "ca reserved" provider table in
// tmmp's configuration: selfsigned is the only certificates provider tmmp
// ships today.
type SelfSigned struct {
	key      *rsa.PrivateKey
	ecdsaKey *ecdsa.PrivateKey
	issuer   string
	password []byte

	mu    sync.Mutex
	cache map[string]string
}

// NewSelfSigned generates the process-wide RSA-3072 signing key, the
// retained-but-unused ECDSA P-256 key, and a random 32-byte PKCS#8
// encryption password, and returns a Manager that mints certs issued by
// issuerCN (tmmp's configured providers.selfsigned_cn).
func NewSelfSigned(issuerCN string) (*SelfSigned, error) {
	key, err := rsa.GenerateKey(rand.Reader, 3072)
	if err != nil {
		return nil, fmt.Errorf("certmanager: failed generating RSA key: %w", err)
	}
	ecdsaKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certmanager: failed generating ECDSA key: %w", err)
	}
	password := make([]byte, 32)
	if _, err := rand.Read(password); err != nil {
		return nil, fmt.Errorf("certmanager: failed generating password: %w", err)
	}
	return &SelfSigned{
		key:      key,
		ecdsaKey: ecdsaKey,
		issuer:   issuerCN,
		password: password,
		cache:    make(map[string]string),
	}, nil
}

// Password returns the per-process secret used to encrypt every minted
// private key.
func (s *SelfSigned) Password() []byte {
	return s.password
}

// GetCertificate returns a ready-to-use tls.Certificate for hostname,
// minting and caching one on first use.
func (s *SelfSigned) GetCertificate(hostname string) (tls.Certificate, error) {
	path, err := s.GetCertificatePath(hostname)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certmanager: failed reading %s: %w", path, err)
	}
	return tlsCertificateFromBundle(certPEM, s.key, s.password)
}

// GetCertificatePath returns the filesystem path of the PEM bundle for
// hostname, minting and caching one on first use. Repeated calls for the
// same hostname return the same path.
func (s *SelfSigned) GetCertificatePath(hostname string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path, ok := s.cache[hostname]; ok {
		return path, nil
	}
	path, err := s.mint(hostname)
	if err != nil {
		return "", err
	}
	s.cache[hostname] = path
	return path, nil
}

func (s *SelfSigned) mint(hostname string) (string, error) {
	serial := new(big.Int).SetBytes(uuid.New()[:])

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		Issuer:       pkix.Name{CommonName: s.issuer},
		DNSNames:     []string{hostname},
		NotBefore:    time.Now().UTC(),
		NotAfter:     time.Now().UTC().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          subjectKeyID(&s.key.PublicKey),
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	// CreateCertificate takes the issuer name from the parent's Subject, so
	// the parent is a copy of the template carrying the configured issuer CN.
	parent := *template
	parent.Subject = pkix.Name{CommonName: s.issuer}
	der, err := x509.CreateCertificate(rand.Reader, template, &parent, &s.key.PublicKey, s.key)
	if err != nil {
		return "", fmt.Errorf("certmanager: failed to mint certificate for %s: %w", hostname, err)
	}

	keyDER, err := pkcs8.MarshalPrivateKey(s.key, s.password, nil)
	if err != nil {
		return "", fmt.Errorf("certmanager: failed to marshal encrypted PKCS8 key: %w", err)
	}

	f, err := os.CreateTemp("", "tmmp-cert-*.pem")
	if err != nil {
		return "", fmt.Errorf("certmanager: failed to create temp file: %w", err)
	}
	defer f.Close()

	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return "", fmt.Errorf("certmanager: failed to write certificate: %w", err)
	}
	if err := pem.Encode(f, &pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: keyDER}); err != nil {
		return "", fmt.Errorf("certmanager: failed to write private key: %w", err)
	}

	tmmp.RecordCertificateMinted()
	return f.Name(), nil
}

func subjectKeyID(pub *rsa.PublicKey) []byte {
	sum := sha256.Sum256(x509.MarshalPKCS1PublicKey(pub))
	return sum[:20]
}

func tlsCertificateFromBundle(bundle []byte, key *rsa.PrivateKey, password []byte) (tls.Certificate, error) {
	var cert tls.Certificate
	rest := bundle
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert.Certificate = append(cert.Certificate, block.Bytes)
		case "ENCRYPTED PRIVATE KEY":
			decrypted, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("certmanager: failed decrypting private key: %w", err)
			}
			cert.PrivateKey = decrypted
		}
	}
	if len(cert.Certificate) == 0 || cert.PrivateKey == nil {
		return tls.Certificate{}, fmt.Errorf("certmanager: incomplete PEM bundle")
	}
	return cert, nil
}
