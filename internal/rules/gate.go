package rules

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Evaluation is the allowlist verdict for an analyzed command.
type Evaluation struct {
	Satisfied bool
	Matched   []string
}

// Evaluate checks every pipeline segment against the allowlist
// patterns and the safe-bin heuristic. All segments must pass.
func Evaluate(a *Analysis, patterns []string, safeBins map[string]bool, cwd string) Evaluation {
	var ev Evaluation
	if a == nil || !a.OK || len(a.Segments) == 0 {
		return ev
	}

	for _, seg := range a.Segments {
		if pattern, ok := matchAllowlist(patterns, seg.ResolvedPath); ok {
			ev.Matched = append(ev.Matched, pattern)
			continue
		}
		if isSafeBinUsage(seg, safeBins, cwd) {
			continue
		}
		return Evaluation{}
	}

	ev.Satisfied = true
	return ev
}

// RequiresApproval decides whether the gate must ask a human before
// the command may run.
func RequiresApproval(r AgentRules, analysisOK, allowlistSatisfied bool) bool {
	if r.Ask == AskAlways {
		return true
	}
	if r.Ask == AskOnMiss && r.Security == SecurityAllowlist {
		return !analysisOK || !allowlistSatisfied
	}
	return false
}

// Allowed is the immediate verdict when no approval is required:
// whether the command may run at all under the security mode.
func Allowed(r AgentRules, analysisOK, allowlistSatisfied bool) bool {
	switch r.Security {
	case SecurityFull:
		return true
	case SecurityAllowlist:
		return analysisOK && allowlistSatisfied
	default:
		return false
	}
}

func matchAllowlist(patterns []string, resolvedPath string) (string, bool) {
	if resolvedPath == "" {
		return "", false
	}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		// Only path-shaped patterns match resolved paths; a bare
		// command string never silently matches some binary.
		if !strings.Contains(pattern, "/") && !strings.Contains(pattern, "~") {
			continue
		}
		if MatchesPattern(pattern, resolvedPath) {
			return pattern, true
		}
	}
	return "", false
}

// MatchesPattern matches a glob pattern (* per path segment, ** across
// segments, ?) against a path, case-insensitive.
func MatchesPattern(pattern, target string) bool {
	re := globToRegexp(strings.ToLower(expandHome(pattern)))
	return re.MatchString(strings.ToLower(target))
}

func globToRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString(".")
		case '.', '+', '^', '$', '{', '}', '(', ')', '[', ']', '|', '\\':
			b.WriteString("\\")
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return regexp.MustCompile(`^\x00$`) // matches nothing
	}
	return re
}

// isSafeBinUsage allows a known filter binary only when every
// argument is an option or stdin marker, never a file path.
func isSafeBinUsage(seg Segment, safeBins map[string]bool, cwd string) bool {
	if len(safeBins) == 0 || seg.ResolvedPath == "" {
		return false
	}
	if !safeBins[strings.ToLower(seg.ExecName)] {
		return false
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	for _, arg := range seg.Argv[1:] {
		if arg == "-" {
			continue
		}
		if strings.HasPrefix(arg, "-") {
			if idx := strings.Index(arg, "="); idx > 0 {
				if value := arg[idx+1:]; isPathLike(value) || fileExists(filepath.Join(cwd, value)) {
					return false
				}
			}
			continue
		}
		if isPathLike(arg) || fileExists(filepath.Join(cwd, arg)) {
			return false
		}
	}
	return true
}

func isPathLike(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return false
	}
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") ||
		strings.HasPrefix(s, "../") || strings.HasPrefix(s, "~")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
