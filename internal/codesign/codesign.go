// Package codesign resolves the code-signing identity of local processes:
// the signing identifier, Developer Team ID, and hardened-runtime flag the
// IPC accept path and the event normalizer both key on. Process identities
// are modeled as SPIFFE IDs inside a host-local trust domain, which gives
// every attribution a single canonical, parseable form.
package codesign

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/delfador0x42/iris/internal/core"
)

// TrustDomain is the host-local SPIFFE trust domain all process
// identities live in.
const TrustDomain = "iris.local"

// Identity is the resolved code-signing identity of one binary.
type Identity struct {
	SigningID       string
	TeamID          string
	HardenedRuntime bool
	Status          core.SigningStatus
}

// URI renders the identity as a SPIFFE ID within the host trust domain,
// e.g. spiffe://iris.local/team/ABCDE12345/binary/com.example.tool.
func (id Identity) URI() (spiffeid.ID, error) {
	td, err := spiffeid.TrustDomainFromString(TrustDomain)
	if err != nil {
		return spiffeid.ID{}, err
	}
	team := id.TeamID
	if team == "" {
		team = "unsigned"
	}
	binary := id.SigningID
	if binary == "" {
		binary = "unknown"
	}
	return spiffeid.FromSegments(td, "team", team, "binary", binary)
}

// Verifier resolves identities from the platform code-signing API.
type Verifier interface {
	// VerifyPID resolves the signing identity of a running process.
	VerifyPID(pid int) (Identity, error)
}

// CachingVerifier memoizes VerifyPID per pid. The cache is serialized and
// pruned when pid reuse is detected: callers hand it the current active
// pid set and anything outside it is dropped.
type CachingVerifier struct {
	inner Verifier

	mu    sync.Mutex
	cache map[int]Identity
}

// NewCachingVerifier wraps inner with a per-pid cache.
func NewCachingVerifier(inner Verifier) *CachingVerifier {
	return &CachingVerifier{
		inner: inner,
		cache: make(map[int]Identity),
	}
}

// VerifyPID resolves pid, consulting the cache first.
func (v *CachingVerifier) VerifyPID(pid int) (Identity, error) {
	v.mu.Lock()
	if id, ok := v.cache[pid]; ok {
		v.mu.Unlock()
		return id, nil
	}
	v.mu.Unlock()

	id, err := v.inner.VerifyPID(pid)
	if err != nil {
		return Identity{Status: core.Unsigned}, err
	}

	v.mu.Lock()
	v.cache[pid] = id
	v.mu.Unlock()
	return id, nil
}

// Prune drops cached entries whose pid is no longer in the active set,
// closing the pid-reuse window.
func (v *CachingVerifier) Prune(activePIDs map[int]struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for pid := range v.cache {
		if _, ok := activePIDs[pid]; !ok {
			delete(v.cache, pid)
		}
	}
}

// CacheLen reports the cached entry count, for tests.
func (v *CachingVerifier) CacheLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cache)
}

// PeerCheck is the compiled-in expectation an IPC listener verifies
// against each connecting peer before attaching the service interface.
type PeerCheck struct {
	TeamID          string
	RequireHardened bool
}

// Authorize verifies a resolved peer identity against the expectation.
func (c PeerCheck) Authorize(id Identity) error {
	if c.TeamID != "" && id.TeamID != c.TeamID {
		slog.Warn("ipc peer team mismatch", "got", id.TeamID, "want", c.TeamID)
		return fmt.Errorf("codesign: peer team %q does not match expected %q", id.TeamID, c.TeamID)
	}
	if c.RequireHardened && !id.HardenedRuntime {
		return fmt.Errorf("codesign: peer lacks hardened runtime")
	}
	switch id.Status {
	case core.SignedApple, core.SignedThirdParty:
		return nil
	default:
		return fmt.Errorf("codesign: peer signing status %q not acceptable", id.Status)
	}
}
