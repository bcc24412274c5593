// Package esevents converts raw kernel security events and proxy/DNS
// telemetry into the uniform SecurityEvent stream the detection engine
// consumes. Sequence numbers establish a total order within this producer.
package esevents

import (
	"log"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/delfador0x42/iris/internal/codesign"
	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/ringstore"
)

// RawEvent is one kernel callback before normalization.
type RawEvent struct {
	Kind       core.EventKind
	PID        int
	ParentPID  int
	Path       string
	ParentPath string
	TargetPath string
	RemoteHost string
	RemotePort int
	Detail     map[string]string
	Timestamp  time.Time
}

// Normalizer mints SecurityEvents. Signing status is computed from the
// actor binary with per-pid result caching.
type Normalizer struct {
	verifier *codesign.CachingVerifier
	ring     *ringstore.Store[core.SecurityEvent]
	sink     func(core.SecurityEvent)
	seq      atomic.Uint64
	logger   *log.Logger
}

// New creates a Normalizer appending to ring and forwarding each event to
// sink (the detection engine's mailbox). Either may be nil.
func New(verifier *codesign.CachingVerifier, ring *ringstore.Store[core.SecurityEvent], sink func(core.SecurityEvent)) *Normalizer {
	return &Normalizer{
		verifier: verifier,
		ring:     ring,
		sink:     sink,
		logger:   log.New(log.Writer(), "[NORMALIZER] ", log.LstdFlags),
	}
}

func (n *Normalizer) actorFor(pid, ppid int, path, parentPath string) core.ProcessInfo {
	actor := core.ProcessInfo{
		PID:        pid,
		Path:       path,
		Name:       filepath.Base(path),
		ParentPID:  ppid,
		ParentPath: parentPath,
		Signing:    core.Unsigned,
	}
	if path == "" {
		actor.Name = ""
	}
	if n.verifier != nil {
		if id, err := n.verifier.VerifyPID(pid); err == nil {
			actor.SigningID = id.SigningID
			actor.TeamID = id.TeamID
			actor.Signing = id.Status
		}
	}
	return actor
}

func (n *Normalizer) emit(ev core.SecurityEvent) core.SecurityEvent {
	ev.Sequence = n.seq.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if n.ring != nil {
		n.ring.Append(ev)
	}
	if n.sink != nil {
		n.sink(ev)
	}
	return ev
}

// Normalize maps one raw kernel event to a SecurityEvent and emits it.
func (n *Normalizer) Normalize(raw RawEvent) core.SecurityEvent {
	return n.emit(core.SecurityEvent{
		Kind:       raw.Kind,
		Actor:      n.actorFor(raw.PID, raw.ParentPID, raw.Path, raw.ParentPath),
		TargetPath: raw.TargetPath,
		RemoteHost: raw.RemoteHost,
		RemotePort: raw.RemotePort,
		Detail:     raw.Detail,
		Timestamp:  raw.Timestamp,
	})
}

// ObserveConnection mints the synthetic connection event for a TCP flow
// the FlowRouter claimed. Wire to flowrouter's EventSink.
func (n *Normalizer) ObserveConnection(flow core.Flow) {
	n.emit(core.SecurityEvent{
		Kind:       core.EvConnection,
		Actor:      flow.Process,
		RemoteHost: flow.Remote.Host,
		RemotePort: flow.Remote.Port,
		Detail: map[string]string{
			"protocol": string(flow.Protocol),
			"flow_id":  flow.ID.String(),
		},
	})
}

// ObserveDNS mints the synthetic dns_query/dns_exfil/dns_dga events the
// DNS proxy produces. Matches dnsproxy.EventSink.
func (n *Normalizer) ObserveDNS(kind core.EventKind, actor core.ProcessInfo, domain string, detail map[string]string) {
	d := map[string]string{"domain": domain}
	for k, v := range detail {
		d[k] = v
	}
	n.emit(core.SecurityEvent{
		Kind:       kind,
		Actor:      actor,
		TargetPath: domain,
		Detail:     d,
	})
}

// PruneSigningCache drops signing-cache entries for pids no longer in the
// active set (pid-reuse safety).
func (n *Normalizer) PruneSigningCache(active map[int]struct{}) {
	if n.verifier != nil {
		n.verifier.Prune(active)
	}
}
