package ipc

import (
	"github.com/google/uuid"

	"github.com/delfador0x42/iris/internal/firewall"
)

// StatusReply is the getStatus response every extension serves.
type StatusReply struct {
	Extension           string `json:"extension"`
	Healthy             bool   `json:"healthy"`
	InterceptionEnabled bool   `json:"interception_enabled"`
	ActiveFlows         int    `json:"active_flows,omitempty"`
	CaptureBytes        int64  `json:"capture_bytes,omitempty"`
	CaptureBudgetBytes  int64  `json:"capture_budget_bytes,omitempty"`
	AlertCount          int    `json:"alert_count,omitempty"`
	EventCount          int    `json:"event_count,omitempty"`
	DNSQueryCount       int    `json:"dns_query_count,omitempty"`
	UptimeSeconds       int64  `json:"uptime_seconds"`
}

// InterceptionRequest toggles flow interception.
type InterceptionRequest struct {
	Enabled bool `json:"enabled"`
}

// BudgetRequest adjusts the aggregate capture-memory budget.
type BudgetRequest struct {
	Bytes int64 `json:"bytes"`
}

// RuleRequest creates a firewall rule.
type RuleRequest struct {
	Rule firewall.Rule `json:"rule"`
}

// RuleReply returns the stored rule (with its assigned id).
type RuleReply struct {
	Rule firewall.Rule `json:"rule"`
}

// RulesReply lists the ordered rule set.
type RulesReply struct {
	Rules []firewall.Rule `json:"rules"`
}

// CleanupReply reports how many expired rules were removed.
type CleanupReply struct {
	Removed int `json:"removed"`
}

// RawDataReply carries a flow's byte counters.
type RawDataReply struct {
	FlowID   uuid.UUID `json:"flow_id"`
	OutBytes int64     `json:"out_bytes"`
	InBytes  int64     `json:"in_bytes"`
}

// CAInstallRequest delivers the root CA to an extension in PEM form.
type CAInstallRequest struct {
	PEM []byte `json:"pem"`
}

// PollReply is the delta-poll envelope: items appended since the caller's
// cursor, plus the cursor to store for the next call.
type PollReply struct {
	Items     []any  `json:"items"`
	NewCursor uint64 `json:"new_cursor"`
}

// ErrorReply is the uniform error body, always labelled with which
// extension failed and what kind of failure it was.
type ErrorReply struct {
	Extension string `json:"extension"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}
