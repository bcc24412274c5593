package tlssession

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// ErrNeedMoreData means the buffer does not yet hold a full ClientHello.
var ErrNeedMoreData = errors.New("tlssession: need more data")

var errNotClientHello = errors.New("tlssession: not a tls clienthello")

// PeekSNI extracts the server_name extension from the raw bytes of a TLS
// ClientHello without consuming them. The leaf certificate must be issued
// before the handshake is driven, so this runs on the first readable bytes
// of the flow. Returns ErrNeedMoreData until the full record has arrived;
// any other error means the flow is not TLS at all.
func PeekSNI(buf []byte) (string, error) {
	if len(buf) < 5 {
		return "", ErrNeedMoreData
	}
	// TLS record: type(1) version(2) length(2)
	if buf[0] != 0x16 {
		return "", fmt.Errorf("%w: record type 0x%02x", errNotClientHello, buf[0])
	}
	recLen := int(binary.BigEndian.Uint16(buf[3:5]))
	if len(buf) < 5+recLen {
		return "", ErrNeedMoreData
	}
	hs := buf[5 : 5+recLen]

	// Handshake: type(1) length(3)
	if len(hs) < 4 || hs[0] != 0x01 {
		return "", fmt.Errorf("%w: not a clienthello handshake", errNotClientHello)
	}
	hsLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	if len(hs) < 4+hsLen {
		return "", ErrNeedMoreData
	}

	s := cryptobyte.String(hs[4 : 4+hsLen])
	var ignored cryptobyte.String
	// client_version(2) + random(32), then the three length-prefixed
	// vectors before extensions.
	if !s.Skip(34) ||
		!s.ReadUint8LengthPrefixed(&ignored) || // session_id
		!s.ReadUint16LengthPrefixed(&ignored) || // cipher_suites
		!s.ReadUint8LengthPrefixed(&ignored) { // compression_methods
		return "", errNotClientHello
	}
	if s.Empty() {
		return "", nil // legacy hello without extensions: no SNI
	}
	var exts cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&exts) {
		return "", errNotClientHello
	}
	for !exts.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&extData) {
			return "", errNotClientHello
		}
		if extType != 0 { // server_name
			continue
		}
		var nameList cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&nameList) {
			return "", errNotClientHello
		}
		for !nameList.Empty() {
			var nameType uint8
			var name cryptobyte.String
			if !nameList.ReadUint8(&nameType) || !nameList.ReadUint16LengthPrefixed(&name) {
				return "", errNotClientHello
			}
			if nameType == 0 { // host_name
				return string(name), nil
			}
		}
	}
	return "", nil
}

// LooksLikeTLS reports whether buf plausibly begins a TLS handshake record,
// used by the flow classifier for non-443 ports.
func LooksLikeTLS(buf []byte) bool {
	return len(buf) >= 3 && buf[0] == 0x16 && buf[1] == 0x03
}
