package wirecodec

import (
	"fmt"
	"math/big"
)

// CertIdentity is either a DNS name or an IP literal SAN entry.
type CertIdentity struct {
	DNSName string
	IP      []byte // 4 or 16 bytes, mutually exclusive with DNSName
}

// LeafCertParams describes the fields CertAuthority needs to build a leaf
// certificate's TBSCertificate.
type LeafCertParams struct {
	SerialNumber   *big.Int // full 128-bit entropy, supplied by the caller
	IssuerCN       string
	SubjectCN      string
	NotBeforeUTC   string // "YYMMDDHHMMSSZ" or "YYYYMMDDHHMMSSZ" depending on UseGeneralized
	NotAfterUTC    string
	UseGeneralized bool   // true once validity crosses the 2050 UTCTime boundary
	PublicKeyN     []byte // RSA modulus, big-endian
	PublicKeyE     int
	SANs           []CertIdentity
	IsCA           bool
}

var (
	oidSHA256WithRSA    = OID(1, 2, 840, 113549, 1, 1, 11)
	oidRSAEncryption    = OID(1, 2, 840, 113549, 1, 1, 1)
	oidCommonName       = OID(2, 5, 4, 3)
	oidOrgName          = OID(2, 5, 4, 10)
	oidBasicConstraints = OID(2, 5, 29, 19)
	oidKeyUsage         = OID(2, 5, 29, 15)
	oidExtKeyUsage      = OID(2, 5, 29, 37)
	oidSubjectAltName   = OID(2, 5, 29, 17)
	oidServerAuth       = OID(1, 3, 6, 1, 5, 5, 7, 3, 1)
)

func rdnSequence(cn string) []byte {
	attr := Sequence(oidCommonName, TLV(TagUTF8String, []byte(cn)))
	attrSet := TLV(TagSet, attr)
	return Sequence(attrSet)
}

func algorithmIdentifier(oid []byte) []byte {
	return Sequence(oid, TLV(TagNull, nil))
}

func validity(params LeafCertParams) []byte {
	enc := UTCTime
	if params.UseGeneralized {
		enc = GeneralizedTime
	}
	return Sequence(enc(params.NotBeforeUTC), enc(params.NotAfterUTC))
}

func subjectPublicKeyInfo(n []byte, e int) []byte {
	rsaPub := Sequence(Integer(n), Integer(big.NewInt(int64(e)).Bytes()))
	return Sequence(algorithmIdentifier(oidRSAEncryption), BitString(rsaPub))
}

func extensionSAN(sans []CertIdentity) []byte {
	var names []byte
	for _, s := range sans {
		if s.DNSName != "" {
			names = append(names, TLV(DERTag(0x82), []byte(s.DNSName))...) // [2] dNSName (IMPLICIT IA5String)
		} else if len(s.IP) > 0 {
			names = append(names, TLV(DERTag(0x87), s.IP)...) // [7] iPAddress
		}
	}
	value := Sequence(names)
	ext := Sequence(oidSubjectAltName, OctetStringWrap(value))
	return ext
}

// OctetStringWrap wraps DER content in an OCTET STRING, used when an
// extension's value itself must be re-wrapped (the X.509 extnValue rule).
func OctetStringWrap(content []byte) []byte {
	return TLV(TagOctetString, content)
}

func extensionBasicConstraints(isCA bool) []byte {
	var content []byte
	if isCA {
		content = Sequence(boolTLV(true))
	} else {
		content = Sequence() // CA:false is the default, empty SEQUENCE
	}
	ext := Sequence(oidBasicConstraints, boolTLV(true), OctetStringWrap(content))
	return ext
}

func boolTLV(v bool) []byte {
	b := byte(0x00)
	if v {
		b = 0xFF
	}
	return TLV(0x01, []byte{b})
}

func extensionKeyUsage(digitalSignature, keyEncipherment, certSign, crlSign bool) []byte {
	var bits byte
	if digitalSignature {
		bits |= 0x80
	}
	if keyEncipherment {
		bits |= 0x08
	}
	if certSign {
		bits |= 0x04
	}
	if crlSign {
		bits |= 0x02
	}
	content := BitString([]byte{bits})
	ext := Sequence(oidKeyUsage, boolTLV(true), OctetStringWrap(content))
	return ext
}

func extensionExtKeyUsage() []byte {
	content := Sequence(oidServerAuth)
	return Sequence(oidExtKeyUsage, OctetStringWrap(content))
}

// BuildTBSCertificate encodes the to-be-signed portion of a leaf certificate:
// Version=2 (v3), serial, signature algorithm, issuer, validity, subject,
// SubjectPublicKeyInfo, and the basicConstraints/keyUsage/extKeyUsage/SAN
// extensions.
func BuildTBSCertificate(params LeafCertParams) ([]byte, error) {
	if params.SerialNumber == nil || params.SerialNumber.Sign() <= 0 {
		return nil, fmt.Errorf("wirecodec: serial number required")
	}
	version := TLV(ContextTag(0), Integer(big.NewInt(2).Bytes()))
	serial := Integer(params.SerialNumber.Bytes())
	sigAlg := algorithmIdentifier(oidSHA256WithRSA)
	issuer := rdnSequence(params.IssuerCN)
	subject := rdnSequence(params.SubjectCN)
	valid := validity(params)
	spki := subjectPublicKeyInfo(params.PublicKeyN, params.PublicKeyE)

	exts := []byte{}
	exts = append(exts, extensionBasicConstraints(params.IsCA)...)
	exts = append(exts, extensionKeyUsage(!params.IsCA, !params.IsCA, params.IsCA, params.IsCA)...)
	if !params.IsCA {
		exts = append(exts, extensionExtKeyUsage()...)
	}
	if len(params.SANs) > 0 {
		exts = append(exts, extensionSAN(params.SANs)...)
	}
	extsWrapped := TLV(ContextTag(3), Sequence(exts))

	tbs := Sequence(version, serial, sigAlg, issuer, valid, subject, spki, extsWrapped)
	return tbs, nil
}

// WrapSignedCertificate assembles the outer Certificate ::= SEQUENCE {
// tbsCertificate, signatureAlgorithm, signatureValue } once the TBS bytes
// have been signed externally (CertAuthority holds the private key; this
// package stays pure and never touches key material).
func WrapSignedCertificate(tbs, signature []byte) []byte {
	return Sequence(tbs, algorithmIdentifier(oidSHA256WithRSA), BitString(signature))
}
