package dnsproxy

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/ringstore"
	"github.com/delfador0x42/iris/internal/wirecodec"
)

type fakeResolver struct {
	fail    bool
	answers []wirecodec.ResourceRecord
}

func (f *fakeResolver) Upstream() string { return "dns.test" }

func (f *fakeResolver) Query(_ context.Context, query []byte) ([]byte, error) {
	if f.fail {
		return nil, errors.New("upstream down")
	}
	msg, err := wirecodec.ParseDNSMessage(query)
	if err != nil {
		return nil, err
	}
	reply := &wirecodec.Message{
		Header: wirecodec.DNSHeader{
			ID: msg.Header.ID, QR: true,
			QDCount: uint16(len(msg.Questions)), ANCount: uint16(len(f.answers)),
		},
		Questions: msg.Questions,
		Answers:   f.answers,
	}
	return wirecodec.EncodeDNSMessage(reply), nil
}

func queryWire(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	return wirecodec.EncodeDNSMessage(&wirecodec.Message{
		Header:    wirecodec.DNSHeader{ID: id, RD: true, QDCount: 1},
		Questions: []wirecodec.Question{{Name: name, Type: 1, Class: 1}},
	})
}

func newProxy(resolver Resolver, events EventSink) (*Proxy, *ringstore.Store[core.DNSQuery]) {
	ring := ringstore.New[core.DNSQuery](128)
	return New(resolver, ring, events), ring
}

func TestUDPQueryForwardedAndRecorded(t *testing.T) {
	resolver := &fakeResolver{answers: []wirecodec.ResourceRecord{
		{Name: "example.com", Type: 1, Class: 1, TTL: 300, RData: []byte{1, 2, 3, 4}},
	}}
	p, ring := newProxy(resolver, nil)

	resp, err := p.HandleUDPDatagram(context.Background(), core.ProcessInfo{PID: 9}, queryWire(t, 7, "example.com"))
	require.NoError(t, err)
	msg, err := wirecodec.ParseDNSMessage(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), msg.Header.ID)
	assert.Len(t, msg.Answers, 1)

	records, _ := ring.Since(0)
	require.Len(t, records, 1)
	assert.Equal(t, "example.com", records[0].Domain)
	assert.Equal(t, "dns.test", records[0].Upstream)
	require.Len(t, records[0].Answers, 1)
	assert.Equal(t, uint32(300), records[0].Answers[0].TTL)
}

func TestShortDatagramRejected(t *testing.T) {
	p, _ := newProxy(&fakeResolver{}, nil)
	_, err := p.HandleUDPDatagram(context.Background(), core.ProcessInfo{}, []byte{0, 1, 2})
	assert.ErrorIs(t, err, wirecodec.ErrMalformed)
}

func TestUpstreamFailureSynthesizesSERVFAIL(t *testing.T) {
	p, ring := newProxy(&fakeResolver{fail: true}, nil)
	resp, err := p.HandleUDPDatagram(context.Background(), core.ProcessInfo{}, queryWire(t, 0xABCD, "down.example"))
	require.NoError(t, err)

	msg, err := wirecodec.ParseDNSMessage(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xABCD), msg.Header.ID, "SERVFAIL keeps the query transaction id")
	assert.Equal(t, uint8(2), msg.Header.RCode)
	assert.Zero(t, msg.Header.ANCount)
	assert.True(t, msg.Header.QR)

	records, _ := ring.Since(0)
	require.Len(t, records, 1)
	assert.Equal(t, uint8(2), records[0].RCode)
}

func TestTCPStreamWaitsForDeclaredLength(t *testing.T) {
	p, ring := newProxy(&fakeResolver{}, nil)
	s := p.NewStream(core.ProcessInfo{})

	// Declared 5 bytes, only 3 arrive: no message, no violation yet.
	responses, err := s.Feed(context.Background(), append([]byte{0x00, 0x05}, []byte("AAA")...))
	require.NoError(t, err)
	assert.Empty(t, responses)

	// Flow closed before the missing 2 bytes: nothing was recorded.
	records, _ := ring.Since(0)
	assert.Empty(t, records)
}

func TestTCPStreamPipelinedQueries(t *testing.T) {
	p, ring := newProxy(&fakeResolver{}, nil)
	s := p.NewStream(core.ProcessInfo{})

	q1 := queryWire(t, 1, "one.example.com")
	q2 := queryWire(t, 2, "two.example.com")
	var stream []byte
	for _, q := range [][]byte{q1, q2} {
		prefix := make([]byte, 2)
		binary.BigEndian.PutUint16(prefix, uint16(len(q)))
		stream = append(stream, prefix...)
		stream = append(stream, q...)
	}

	responses, err := s.Feed(context.Background(), stream)
	require.NoError(t, err)
	require.Len(t, responses, 2)
	for i, want := range []uint16{1, 2} {
		length := binary.BigEndian.Uint16(responses[i][0:2])
		msg, err := wirecodec.ParseDNSMessage(responses[i][2 : 2+length])
		require.NoError(t, err)
		assert.Equal(t, want, msg.Header.ID)
	}

	records, _ := ring.Since(0)
	assert.Len(t, records, 2)
}

func TestTCPStreamZeroLengthPrefixCloses(t *testing.T) {
	p, _ := newProxy(&fakeResolver{}, nil)
	s := p.NewStream(core.ProcessInfo{})
	_, err := s.Feed(context.Background(), []byte{0x00, 0x00, 0xFF})
	assert.ErrorIs(t, err, ErrStreamViolation)
}

func TestTCPStreamNeverGrowsPastCap(t *testing.T) {
	p, _ := newProxy(&fakeResolver{}, nil)
	s := p.NewStream(core.ProcessInfo{})

	// A max-length prefix is accepted; bytes accumulate up to the cap.
	_, err := s.Feed(context.Background(), []byte{0xFF, 0xFF})
	require.NoError(t, err)
	_, err = s.Feed(context.Background(), make([]byte, wirecodec.MaxTCPMessageSize-10))
	require.NoError(t, err)

	// Pushing past 2+65535 total must close, not allocate a larger buffer.
	_, err = s.Feed(context.Background(), make([]byte, 1000))
	assert.ErrorIs(t, err, ErrStreamViolation)
}

func TestSyntheticEvents(t *testing.T) {
	var kinds []core.EventKind
	sink := func(kind core.EventKind, _ core.ProcessInfo, _ string, _ map[string]string) {
		kinds = append(kinds, kind)
	}
	p, _ := newProxy(&fakeResolver{}, sink)

	_, err := p.HandleUDPDatagram(context.Background(), core.ProcessInfo{}, queryWire(t, 1, "www.example.com"))
	require.NoError(t, err)
	assert.Equal(t, []core.EventKind{core.EvDNSQuery}, kinds)

	kinds = nil
	exfil := "q8w3e7r2t9y4u1i6o5p0a2s8d7f4g1h9" + ".tunnel.example"
	_, err = p.HandleUDPDatagram(context.Background(), core.ProcessInfo{}, queryWire(t, 2, exfil))
	require.NoError(t, err)
	assert.Contains(t, kinds, core.EvDNSExfil)

	kinds = nil
	_, err = p.HandleUDPDatagram(context.Background(), core.ProcessInfo{}, queryWire(t, 3, "xkqvzjwpqg.biz"))
	require.NoError(t, err)
	assert.Contains(t, kinds, core.EvDNSDGA)
}
