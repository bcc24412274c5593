package wirecodec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntegerEncodingAddsLeadingZero(t *testing.T) {
	enc := Integer([]byte{0xFF})
	tag, content, n, err := ReadTLV(enc)
	require.NoError(t, err)
	require.Equal(t, TagInteger, tag)
	require.Equal(t, []byte{0x00, 0xFF}, content)
	require.Equal(t, len(enc), n)
}

func TestOIDRoundTripStructure(t *testing.T) {
	// sha256WithRSAEncryption: 1.2.840.113549.1.1.11
	enc := OID(1, 2, 840, 113549, 1, 1, 11)
	tag, _, n, err := ReadTLV(enc)
	require.NoError(t, err)
	require.Equal(t, TagOID, tag)
	require.Equal(t, len(enc), n)
}

func TestSequenceNesting(t *testing.T) {
	inner := Integer([]byte{0x01})
	seq := Sequence(inner, inner)
	tag, content, n, err := ReadTLV(seq)
	require.NoError(t, err)
	require.Equal(t, TagSequence, tag)
	require.Equal(t, len(seq), n)
	require.Equal(t, append(append([]byte{}, inner...), inner...), content)
}

func TestReadTLVRejectsOverlongLength(t *testing.T) {
	buf := []byte{byte(TagInteger), 0x84, 0xFF, 0xFF, 0xFF, 0xFF} // declares 4GiB length
	_, _, _, err := ReadTLV(buf)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestLongFormLengthEncoding(t *testing.T) {
	content := make([]byte, 200)
	enc := TLV(TagOctetString, content)
	tag, got, n, err := ReadTLV(enc)
	require.NoError(t, err)
	require.Equal(t, TagOctetString, tag)
	require.Len(t, got, 200)
	require.Equal(t, len(enc), n)
}
