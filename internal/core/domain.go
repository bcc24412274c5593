package core

import (
	"time"

	"github.com/google/uuid"
)

// Protocol is the transport protocol of a claimed flow.
type Protocol string

const (
	ProtoTCP Protocol = "tcp"
	ProtoUDP Protocol = "udp"
)

// FlowState tracks the lifecycle of a claimed flow.
type FlowState string

const (
	FlowActive        FlowState = "active"
	FlowHalfClosedIn  FlowState = "half-closed-in"
	FlowHalfClosedOut FlowState = "half-closed-out"
	FlowClosed        FlowState = "closed"
)

// SigningStatus classifies the code signature of a process binary.
type SigningStatus string

const (
	SignedApple      SigningStatus = "apple-signed"
	SignedThirdParty SigningStatus = "third-party-signed"
	SignedAdHoc      SigningStatus = "ad-hoc"
	Unsigned         SigningStatus = "unsigned"
)

// ProcessInfo is the source-process attribution attached to flows and events.
type ProcessInfo struct {
	PID        int           `json:"pid"`
	Path       string        `json:"path"`
	Name       string        `json:"name"`
	ParentPID  int           `json:"parent_pid,omitempty"`
	ParentPath string        `json:"parent_path,omitempty"`
	SigningID  string        `json:"signing_id,omitempty"`
	TeamID     string        `json:"team_id,omitempty"`
	Signing    SigningStatus `json:"signing"`
}

// Endpoint is one side of a flow.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Flow is a single bidirectional byte stream between a local process and a
// remote endpoint, claimed by the proxy at connect time. The ConnectionTable
// holds this metadata snapshot only; the live pipeline owns the handle.
type Flow struct {
	ID           uuid.UUID   `json:"id"`
	Protocol     Protocol    `json:"protocol"`
	Process      ProcessInfo `json:"process"`
	Local        Endpoint    `json:"local"`
	Remote       Endpoint    `json:"remote"`
	SNI          string      `json:"sni,omitempty"`
	BytesIn      int64       `json:"bytes_in"`
	BytesOut     int64       `json:"bytes_out"`
	State        FlowState   `json:"state"`
	FirstSeen    time.Time   `json:"first_seen"`
	LastActivity time.Time   `json:"last_activity"`
}

// HTTPHeader preserves original header case for display.
type HTTPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CapturedRequest is the request half of a CapturedExchange.
type CapturedRequest struct {
	Method      string       `json:"method"`
	Path        string       `json:"path"`
	Version     string       `json:"version"`
	Headers     []HTTPHeader `json:"headers"`
	BodyPreview []byte       `json:"body_preview,omitempty"`
	BodySize    int64        `json:"body_size"`
}

// CapturedResponse is the response half of a CapturedExchange.
type CapturedResponse struct {
	StatusCode  int          `json:"status_code"`
	Reason      string       `json:"reason"`
	Version     string       `json:"version"`
	Headers     []HTTPHeader `json:"headers"`
	BodyPreview []byte       `json:"body_preview,omitempty"`
	BodySize    int64        `json:"body_size"`
}

// CapturedExchange is one request/response pair observed on a flow.
type CapturedExchange struct {
	FlowID    uuid.UUID         `json:"flow_id"`
	Request   *CapturedRequest  `json:"request,omitempty"`
	Response  *CapturedResponse `json:"response,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Error     string            `json:"error,omitempty"`
}

// BodyBytes reports the captured-body footprint of the exchange, used for
// aggregate capture-budget accounting.
func (e *CapturedExchange) BodyBytes() int64 {
	var n int64
	if e.Request != nil {
		n += int64(len(e.Request.BodyPreview))
	}
	if e.Response != nil {
		n += int64(len(e.Response.BodyPreview))
	}
	return n
}

// DNSAnswer is one answer record in a captured DNS query.
type DNSAnswer struct {
	Name  string `json:"name"`
	Type  uint16 `json:"type"`
	TTL   uint32 `json:"ttl"`
	RData string `json:"rdata"`
}

// DNSQuery is the per-query record the DNS proxy appends to its ring.
type DNSQuery struct {
	ID        uuid.UUID   `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Process   ProcessInfo `json:"process"`
	Domain    string      `json:"domain"`
	QType     uint16      `json:"qtype"`
	RCode     uint8       `json:"rcode"`
	Answers   []DNSAnswer `json:"answers,omitempty"`
	LatencyMS int64       `json:"latency_ms"`
	Upstream  string      `json:"upstream"`
}

// EventKind is the finite set of normalized security event kinds.
type EventKind string

const (
	EvExec               EventKind = "exec"
	EvFork               EventKind = "fork"
	EvFileOpen           EventKind = "file_open"
	EvFileWrite          EventKind = "file_write"
	EvFileRename         EventKind = "file_rename"
	EvFileUnlink         EventKind = "file_unlink"
	EvSetExtAttr         EventKind = "set_ext_attr"
	EvSetUID             EventKind = "setuid"
	EvSetGID             EventKind = "setgid"
	EvSudo               EventKind = "sudo"
	EvMmap               EventKind = "mmap"
	EvMprotect           EventKind = "mprotect"
	EvGetTask            EventKind = "get_task"
	EvRemoteThreadCreate EventKind = "remote_thread_create"
	EvTCCModify          EventKind = "tcc_modify"
	EvBTMLaunchItemAdd   EventKind = "btm_launch_item_add"
	EvSSHLogin           EventKind = "ssh_login"
	EvXPCConnect         EventKind = "xpc_connect"
	EvProcSuspendResume  EventKind = "proc_suspend_resume"
	EvKextLoad           EventKind = "kext_load"
	EvPtrace             EventKind = "ptrace"
	EvMount              EventKind = "mount"
	EvAuthOpen           EventKind = "auth_open"
	EvXProtectMalware    EventKind = "xprotect_malware"
	EvConnection         EventKind = "connection"
	EvDNSQuery           EventKind = "dns_query"
	EvDNSExfil           EventKind = "dns_exfil"
	EvDNSDGA             EventKind = "dns_dga"
)

// SecurityEvent is the uniform event the normalizer emits for every kernel
// callback and every synthetic proxy/DNS observation. Sequence establishes a
// total order within its producer.
type SecurityEvent struct {
	Kind       EventKind         `json:"kind"`
	Actor      ProcessInfo       `json:"actor"`
	TargetPath string            `json:"target_path,omitempty"`
	RemoteHost string            `json:"remote_host,omitempty"`
	RemotePort int               `json:"remote_port,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Sequence   uint64            `json:"sequence"`
}

// Severity grades alerts and anomalies.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is a fired detection rule. DedupKey collapses repeats within the
// dedup window; Count makes the collapsed repeats visible.
type Alert struct {
	ID        uuid.UUID       `json:"id"`
	RuleID    string          `json:"rule_id"`
	RuleName  string          `json:"rule_name"`
	Severity  Severity        `json:"severity"`
	MitreID   string          `json:"mitre_id,omitempty"`
	MitreName string          `json:"mitre_name,omitempty"`
	Actor     ProcessInfo     `json:"actor"`
	Evidence  []SecurityEvent `json:"evidence,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	DedupKey  string          `json:"dedup_key"`
	Count     int             `json:"count"`
}

// ProcessAnomaly is a batch scanner finding.
type ProcessAnomaly struct {
	ScannerID   string      `json:"scanner_id"`
	Process     ProcessInfo `json:"process"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Severity    Severity    `json:"severity"`
	MitreID     string      `json:"mitre_id,omitempty"`
	Weight      float64     `json:"weight"` // evidence weight in [0,1]
	Baseline    bool        `json:"baseline,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}
