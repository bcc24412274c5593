package detection

import (
	"time"

	"github.com/delfador0x42/iris/internal/core"
)

// BuiltinRules is the compiled-in single-event rule set.
func BuiltinRules() []Rule {
	return []Rule{
		{
			ID: "cred-ssh-key-read", Name: "SSH private key read by unsigned process",
			Kind: core.EvFileOpen,
			Predicates: []Predicate{
				{Field: FieldTargetPath, Op: OpContains, Value: "/.ssh/id_"},
			},
			Actor:    ActorCond{NotAppleSigned: true},
			Severity: core.SeverityHigh,
			MitreID:  "T1552.004", MitreName: "Unsecured Credentials: Private Keys",
		},
		{
			ID: "persist-launch-item", Name: "Background launch item registered",
			Kind:     core.EvBTMLaunchItemAdd,
			Severity: core.SeverityMedium,
			MitreID:  "T1543.001", MitreName: "Create or Modify System Process: Launch Agent",
		},
		{
			ID: "evasion-quarantine-strip", Name: "Quarantine attribute stripped",
			Kind: core.EvSetExtAttr,
			Predicates: []Predicate{
				{Field: FieldDetail, Op: OpContains, Value: "com.apple.quarantine"},
			},
			Severity: core.SeverityMedium,
			MitreID:  "T1553.001", MitreName: "Subvert Trust Controls: Gatekeeper Bypass",
		},
		{
			ID: "privesc-sudo-nonshell", Name: "sudo from non-shell parent",
			Kind: core.EvSudo,
			Actor: ActorCond{
				ParentNameIn: []string{"osascript", "python3", "node", "ruby"},
			},
			Severity: core.SeverityHigh,
			MitreID:  "T1548.003", MitreName: "Abuse Elevation Control: Sudo",
		},
		{
			ID: "inject-task-access", Name: "Task port access across processes",
			Kind:     core.EvGetTask,
			Actor:    ActorCond{NotAppleSigned: true},
			Severity: core.SeverityHigh,
			MitreID:  "T1055", MitreName: "Process Injection",
		},
		{
			ID: "inject-remote-thread", Name: "Remote thread created in foreign process",
			Kind:     core.EvRemoteThreadCreate,
			Severity: core.SeverityCritical,
			MitreID:  "T1055.001", MitreName: "Process Injection: DLL/Thread",
		},
		{
			ID: "tcc-direct-modify", Name: "TCC database modified directly",
			Kind:     core.EvTCCModify,
			Actor:    ActorCond{ProcessNameNotIn: []string{"tccd"}},
			Severity: core.SeverityCritical,
			MitreID:  "T1562.001", MitreName: "Impair Defenses: Disable or Modify Tools",
		},
		{
			ID: "exfil-dns-tunnel", Name: "High-entropy DNS query labels",
			Kind:     core.EvDNSExfil,
			Severity: core.SeverityHigh,
			MitreID:  "T1048.003", MitreName: "Exfiltration Over Alternative Protocol: DNS",
		},
		{
			ID: "c2-dga-domain", Name: "Algorithmically generated domain queried",
			Kind:     core.EvDNSDGA,
			Severity: core.SeverityHigh,
			MitreID:  "T1568.002", MitreName: "Dynamic Resolution: Domain Generation Algorithms",
		},
		{
			ID: "rootkit-kext-load", Name: "Kernel extension loaded",
			Kind:     core.EvKextLoad,
			Actor:    ActorCond{NotAppleSigned: true},
			Severity: core.SeverityCritical,
			MitreID:  "T1547.006", MitreName: "Boot or Logon Autostart: Kernel Modules",
		},
	}
}

// BuiltinCorrelations is the compiled-in multi-stage rule set.
func BuiltinCorrelations() []CorrelationRule {
	return []CorrelationRule{
		{
			ID: "chain-fake-prompt", Name: "fake-prompt chain",
			Stages: []Stage{
				{
					Kind: core.EvExec,
					Predicates: []Predicate{
						{Field: FieldProcessName, Op: OpEquals, Value: "osascript"},
						{Field: FieldArgs, Op: OpContains, Value: "do shell script"},
					},
				},
				{
					Kind:  core.EvFileWrite,
					Actor: ActorCond{ProcessNameIn: []string{"osascript"}},
				},
				{
					Kind:  core.EvConnection,
					Actor: ActorCond{ProcessNameIn: []string{"osascript"}},
				},
			},
			Window:   30 * time.Second,
			Key:      KeyPID,
			Severity: core.SeverityCritical,
			MitreID:  "T1059.002", MitreName: "Command and Scripting Interpreter: AppleScript",
		},
		{
			ID: "chain-drop-and-run", Name: "Dropped executable launched",
			Stages: []Stage{
				{
					Kind: core.EvFileWrite,
					Predicates: []Predicate{
						{Field: FieldTargetPath, Op: OpHasPrefix, Value: "/tmp/"},
					},
				},
				{
					Kind: core.EvExec,
					Predicates: []Predicate{
						{Field: FieldTargetPath, Op: OpHasPrefix, Value: "/tmp/"},
					},
				},
			},
			Window:   5 * time.Minute,
			Key:      KeyPath,
			Severity: core.SeverityHigh,
			MitreID:  "T1204.002", MitreName: "User Execution: Malicious File",
		},
		{
			ID: "chain-stage-and-beacon", Name: "Staging followed by beaconing",
			Stages: []Stage{
				{
					Kind: core.EvFileRename,
					Predicates: []Predicate{
						{Field: FieldTargetPath, Op: OpMatches, Value: `\.(zip|tar|gz|enc)$`},
					},
				},
				{Kind: core.EvConnection},
				{Kind: core.EvConnection},
			},
			Window:   10 * time.Minute,
			Key:      KeyPID,
			Severity: core.SeverityHigh,
			MitreID:  "T1074", MitreName: "Data Staged",
		},
	}
}
