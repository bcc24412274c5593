// Package certauthority holds the long-lived root signing key and issues
// per-host leaf certificates for the TLS-intercepting proxy, cached by
// identity with least-recently-accessed eviction and single-flight
// coalescing so concurrent handshakes for one host share a generation.
package certauthority

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/delfador0x42/iris/internal/wirecodec"
)

// DefaultCacheSize is the default leaf cache capacity.
const DefaultCacheSize = 256

// HandshakeSkew is how far before "now" a leaf's NotBefore is backdated, to
// tolerate client/server clock drift during the handshake.
const HandshakeSkew = 5 * time.Minute

// LeafValidity is the leaf lifetime from issuance.
const LeafValidity = 365 * 24 * time.Hour

// Leaf is an issued certificate plus its private key, ready for
// tls.Certificate construction by the caller.
type Leaf struct {
	DER        []byte // the signed X.509 v3 leaf, DER-encoded
	PrivateKey *rsa.PrivateKey
	Identity   string
	IssuedAt   time.Time
}

// Authority holds the root key pair and the per-identity leaf cache.
type Authority struct {
	rootKey  *rsa.PrivateKey
	rootCert []byte // DER-encoded self-signed root, not used for TLS serving directly
	rootCN   string

	cache *lru.Cache[string, *Leaf]
	group singleflight.Group
}

// New creates an Authority from an existing root key pair. Call GenerateRoot
// to mint a fresh root for a first run.
func New(rootKey *rsa.PrivateKey, rootCertDER []byte, rootCN string, cacheSize int) (*Authority, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *Leaf](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("certauthority: lru init: %w", err)
	}
	return &Authority{
		rootKey:  rootKey,
		rootCert: rootCertDER,
		rootCN:   rootCN,
		cache:    cache,
	}, nil
}

// GenerateRoot creates a fresh 2048-bit RSA root key and a self-signed root
// certificate DER blob (handed to extensions over IPC).
func GenerateRoot(commonName string) (*rsa.PrivateKey, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("certauthority: generate root key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	params := wirecodec.LeafCertParams{
		SerialNumber: serial,
		IssuerCN:     commonName,
		SubjectCN:    commonName,
		NotBeforeUTC: formatValidity(now.Add(-HandshakeSkew), false),
		NotAfterUTC:  formatValidity(now.Add(10*365*24*time.Hour), false),
		PublicKeyN:   key.PublicKey.N.Bytes(),
		PublicKeyE:   key.PublicKey.E,
		IsCA:         true,
	}
	tbs, err := wirecodec.BuildTBSCertificate(params)
	if err != nil {
		return nil, nil, err
	}
	sig, err := signTBS(key, tbs)
	if err != nil {
		return nil, nil, err
	}
	der := wirecodec.WrapSignedCertificate(tbs, sig)
	return key, der, nil
}

// randomSerial returns a serial number with full 128 bits of entropy. An RNG
// failure fails the call outright rather than silently falling back to a
// weaker source.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("certauthority: serial entropy failure: %w", err)
	}
	if serial.Sign() == 0 {
		serial = big.NewInt(1)
	}
	return serial, nil
}

func formatValidity(t time.Time, generalized bool) string {
	if generalized {
		return t.Format("20060102150405") + "Z"
	}
	return t.Format("060102150405") + "Z"
}

func signTBS(key *rsa.PrivateKey, tbs []byte) ([]byte, error) {
	digest := sha256.Sum256(tbs)
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
}

// Issue returns a leaf certificate for identity (a DNS name or IP literal),
// generating and caching one if absent. Concurrent Issue calls for the same
// identity coalesce to a single generation (single-flight).
func (a *Authority) Issue(identity string) (*Leaf, error) {
	if leaf, ok := a.cache.Get(identity); ok {
		return leaf, nil
	}

	result, err, _ := a.group.Do(identity, func() (interface{}, error) {
		if leaf, ok := a.cache.Get(identity); ok {
			return leaf, nil
		}
		leaf, err := a.generate(identity)
		if err != nil {
			return nil, err
		}
		a.cache.Add(identity, leaf)
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Leaf), nil
}

func (a *Authority) generate(identity string) (*Leaf, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("certauthority: generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	var sans []wirecodec.CertIdentity
	if ip := net.ParseIP(identity); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			sans = append(sans, wirecodec.CertIdentity{IP: v4})
		} else {
			sans = append(sans, wirecodec.CertIdentity{IP: ip.To16()})
		}
	} else {
		sans = append(sans, wirecodec.CertIdentity{DNSName: identity})
	}

	now := time.Now().UTC()
	notAfter := now.Add(LeafValidity)
	params := wirecodec.LeafCertParams{
		SerialNumber:   serial,
		IssuerCN:       a.rootCN,
		SubjectCN:      identity,
		NotBeforeUTC:   formatValidity(now.Add(-HandshakeSkew), notAfter.Year() >= 2050),
		NotAfterUTC:    formatValidity(notAfter, notAfter.Year() >= 2050),
		UseGeneralized: notAfter.Year() >= 2050,
		PublicKeyN:     key.PublicKey.N.Bytes(),
		PublicKeyE:     key.PublicKey.E,
		SANs:           sans,
		IsCA:           false,
	}
	tbs, err := wirecodec.BuildTBSCertificate(params)
	if err != nil {
		return nil, err
	}
	sig, err := signTBS(a.rootKey, tbs)
	if err != nil {
		return nil, fmt.Errorf("certauthority: sign leaf: %w", err)
	}
	der := wirecodec.WrapSignedCertificate(tbs, sig)

	return &Leaf{
		DER:        der,
		PrivateKey: key,
		Identity:   identity,
		IssuedAt:   now,
	}, nil
}

// RootCertDER returns the root CA certificate in DER form, for IPC transfer
// to the keychain-owning supervisor (installCA).
func (a *Authority) RootCertDER() []byte { return a.rootCert }

// CacheLen reports the current number of cached leaves, for tests/metrics.
func (a *Authority) CacheLen() int { return a.cache.Len() }

// ParseRootCert is a thin helper exposed for tests and IPC validation,
// confirming a supplied root blob round-trips through a conforming parser.
func ParseRootCert(der []byte) (*x509.Certificate, error) {
	return x509.ParseCertificate(der)
}
