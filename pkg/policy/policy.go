// Package policy classifies shell commands into privilege tiers. The exec
// tool consults the classifier before every invocation; the tier decides
// whether a command runs freely, needs an unlocked key, needs an approval
// round-trip, or is refused outright.
package policy

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Tier is the privilege level a command requires.
type Tier string

const (
	// TierFree commands are read-only and execute without ceremony.
	TierFree Tier = "free"

	// TierReview commands (interpreters, installers, unknown commands)
	// execute only while the agent's signing key is unlocked.
	TierReview Tier = "review"

	// TierApprove commands require a signed approval decision.
	TierApprove Tier = "approve"

	// TierBlock commands are never executed.
	TierBlock Tier = "block"
)

var tierRank = map[Tier]int{
	TierFree:    0,
	TierReview:  1,
	TierApprove: 2,
	TierBlock:   3,
}

// MaxTier returns the more dangerous of the two tiers.
func MaxTier(a, b Tier) Tier {
	if tierRank[b] > tierRank[a] {
		return b
	}
	return a
}

// Read-only commands that are safe regardless of arguments.
var freeCommands = map[string]bool{
	"basename": true, "cat": true, "cd": true, "cut": true, "date": true,
	"df": true, "dirname": true, "du": true, "echo": true, "expr": true,
	"false": true, "file": true, "grep": true, "head": true, "hostname": true,
	"id": true, "ls": true, "nl": true, "numfmt": true, "paste": true,
	"printf": true, "ps": true, "pwd": true, "readlink": true, "rev": true, "rg": true,
	"sed": true, "seq": true, "sort": true, "stat": true, "tac": true,
	"tail": true, "tr": true, "true": true, "uname": true, "uniq": true,
	"wc": true, "which": true, "whoami": true,
}

// Interpreters, installers, and session managers: powerful but routine.
var reviewCommands = map[string]bool{
	"apt": true, "apt-get": true, "bash": true, "brew": true, "bundle": true,
	"cargo": true, "dnf": true, "gem": true, "go": true, "make": true,
	"node": true, "npm": true, "npx": true, "pip": true, "pip3": true,
	"python": true, "python3": true, "ruby": true, "screen": true,
	"sh": true, "tmux": true, "yarn": true, "yum": true, "zsh": true,
}

// Destructive, network-reaching, or filesystem-mutating commands.
var approveCommands = map[string]bool{
	"chgrp": true, "chmod": true, "chown": true, "cp": true, "curl": true,
	"dd": true, "kill": true, "killall": true, "ln": true, "mv": true,
	"pkill": true, "rm": true, "rmdir": true, "truncate": true, "wget": true,
}

// Privilege escalation is refused unconditionally.
var blockCommands = map[string]bool{
	"doas": true, "su": true, "sudo": true,
}

// absRedirect matches output redirection to an absolute path. Checked on the
// raw command before tokenisation so `echo x > /etc/passwd` is caught even
// when the redirect leans against its target.
var absRedirect = regexp.MustCompile(`>{1,2}\s*/`)

// Classify maps a shell command string to the most dangerous tier among its
// chained sub-commands. Splitting on `;`, `&&`, `||`, and `|` ignores
// quoting, so an operator inside a quoted argument splits too; the resulting
// fragment classifies as unknown, which only ever raises the tier.
func Classify(command string) Tier {
	tier := TierFree
	if absRedirect.MatchString(command) {
		tier = TierApprove
	}

	sawCommand := false
	for _, sub := range splitChained(command) {
		fields := strings.Fields(sub)
		if len(fields) == 0 {
			continue
		}
		sawCommand = true
		tier = MaxTier(tier, classifyFields(fields))
		if tier == TierBlock {
			return TierBlock
		}
	}
	if !sawCommand {
		return TierReview
	}
	return tier
}

// splitChained splits a command on the shell chaining operators.
func splitChained(command string) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(command); i++ {
		if strings.HasPrefix(command[i:], "&&") || strings.HasPrefix(command[i:], "||") {
			parts = append(parts, cur.String())
			cur.Reset()
			i++
			continue
		}
		if command[i] == ';' || command[i] == '|' {
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(command[i])
	}
	parts = append(parts, cur.String())
	return parts
}

func classifyFields(fields []string) Tier {
	base := filepath.Base(fields[0])

	switch {
	case blockCommands[base]:
		return TierBlock
	case base == "git":
		return classifyGit(fields)
	case base == "find":
		return classifyFind(fields)
	case approveCommands[base]:
		return TierApprove
	case freeCommands[base]:
		return TierFree
	case reviewCommands[base]:
		return TierReview
	default:
		// Unknown commands default to review rather than free.
		return TierReview
	}
}

// classifyFind keeps plain find read-only while catching its escape hatches.
func classifyFind(fields []string) Tier {
	for _, arg := range fields[1:] {
		switch arg {
		case "-delete":
			return TierApprove
		case "-exec", "-execdir", "-ok", "-okdir":
			return TierApprove
		case "-fls", "-fprint", "-fprint0", "-fprintf":
			return TierApprove
		}
	}
	return TierFree
}

// classifyGit resolves the git subcommand past global options: the
// status/log/diff family is free, push needs approval, everything else
// (and config overrides that can run external commands) is review.
func classifyGit(fields []string) Tier {
	skipNext := false
	for i := 1; i < len(fields); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := fields[i]

		if isGitGlobalOptionWithInlineValue(arg) {
			// -c core.pager=... can force git to run arbitrary commands.
			return TierReview
		}
		if isGitGlobalOptionWithValue(arg) {
			if arg == "-c" || arg == "--config-env" {
				return TierReview
			}
			skipNext = true
			continue
		}
		if arg == "--" || strings.HasPrefix(arg, "-") {
			continue
		}

		switch arg {
		case "status", "log", "diff", "show", "branch":
			return TierFree
		case "push":
			return TierApprove
		default:
			return TierReview
		}
	}
	// Bare `git` prints usage.
	return TierFree
}

func isGitGlobalOptionWithValue(arg string) bool {
	switch arg {
	case "-C", "-c", "--config-env", "--exec-path", "--git-dir", "--namespace", "--work-tree":
		return true
	}
	return false
}

func isGitGlobalOptionWithInlineValue(arg string) bool {
	if strings.HasPrefix(arg, "--config-env=") || strings.HasPrefix(arg, "--exec-path=") {
		return true
	}
	// -c<value> with an inline value.
	if strings.HasPrefix(arg, "-c") && len(arg) > 2 {
		return true
	}
	return false
}
