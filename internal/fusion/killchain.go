package fusion

import "strings"

// Stage is one of the 14 ordered kill-chain phases.
type Stage string

const (
	StageRecon          Stage = "reconnaissance"
	StageResourceDev    Stage = "resource-development"
	StageInitialAccess  Stage = "initial-access"
	StageExecution      Stage = "execution"
	StagePersistence    Stage = "persistence"
	StagePrivEsc        Stage = "privilege-escalation"
	StageDefenseEvasion Stage = "defense-evasion"
	StageCredAccess     Stage = "credential-access"
	StageDiscovery      Stage = "discovery"
	StageLateralMove    Stage = "lateral-movement"
	StageCollection     Stage = "collection"
	StageC2             Stage = "command-and-control"
	StageExfiltration   Stage = "exfiltration"
	StageImpact         Stage = "impact"
)

// AllStages lists the phases in kill-chain order.
var AllStages = []Stage{
	StageRecon, StageResourceDev, StageInitialAccess, StageExecution,
	StagePersistence, StagePrivEsc, StageDefenseEvasion, StageCredAccess,
	StageDiscovery, StageLateralMove, StageCollection, StageC2,
	StageExfiltration, StageImpact,
}

// mitrePrefixStages maps MITRE technique prefixes to kill-chain stages.
// Longest matching prefix wins.
var mitrePrefixStages = map[string]Stage{
	"T1595": StageRecon,
	"T1583": StageResourceDev,
	"T1566": StageInitialAccess,
	"T1204": StageInitialAccess,
	"T1059": StageExecution,
	"T1543": StagePersistence,
	"T1547": StagePersistence,
	"T1548": StagePrivEsc,
	"T1055": StagePrivEsc,
	"T1562": StageDefenseEvasion,
	"T1553": StageDefenseEvasion,
	"T1552": StageCredAccess,
	"T1555": StageCredAccess,
	"T1057": StageDiscovery,
	"T1021": StageLateralMove,
	"T1074": StageCollection,
	"T1560": StageCollection,
	"T1568": StageC2,
	"T1571": StageC2,
	"T1048": StageExfiltration,
	"T1041": StageExfiltration,
	"T1486": StageImpact,
	"T1485": StageImpact,
}

// scannerStages maps batch scanner ids to the stage their findings imply.
var scannerStages = map[string]Stage{
	"proc-unsigned":      StageExecution,
	"proc-masquerade":    StageDefenseEvasion,
	"persist-launchd":    StagePersistence,
	"persist-cron":       StagePersistence,
	"net-listener":       StageC2,
	"kext-inventory":     StagePersistence,
	"cred-keychain-scan": StageCredAccess,
}

// StageFor resolves a finding to a kill-chain stage via its MITRE id (by
// longest prefix), falling back to the scanner table, then to discovery.
func StageFor(mitreID, scannerID string) Stage {
	if mitreID != "" {
		best := ""
		var stage Stage
		for prefix, s := range mitrePrefixStages {
			if strings.HasPrefix(mitreID, prefix) && len(prefix) > len(best) {
				best = prefix
				stage = s
			}
		}
		if best != "" {
			return stage
		}
	}
	if s, ok := scannerStages[scannerID]; ok {
		return s
	}
	return StageDiscovery
}
