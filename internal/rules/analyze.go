package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Segment is one command of a pipeline with its resolved executable.
type Segment struct {
	Raw          string
	Argv         []string
	ResolvedPath string
	ExecName     string
}

// Analysis is the outcome of parsing a shell command. Commands using
// shell features we cannot reason about (redirects, substitution,
// chaining) analyze as not-OK and always fall back to asking.
type Analysis struct {
	OK       bool
	Reason   string
	Segments []Segment
}

// AnalyzeCommand splits a command into pipeline segments and resolves
// each segment's executable against cwd and PATH.
func AnalyzeCommand(command, cwd string) *Analysis {
	if strings.TrimSpace(command) == "" {
		return &Analysis{Reason: "empty command"}
	}

	parts, err := splitPipeline(command)
	if err != nil {
		return &Analysis{Reason: err.Error()}
	}

	a := &Analysis{OK: true}
	for _, raw := range parts {
		argv := tokenize(raw)
		if len(argv) == 0 {
			return &Analysis{Reason: "empty pipeline segment"}
		}
		seg := Segment{Raw: raw, Argv: argv}
		seg.ResolvedPath, seg.ExecName = resolveExecutable(argv[0], cwd)
		a.Segments = append(a.Segments, seg)
	}
	return a
}

// splitPipeline splits on | while respecting quotes. Chaining,
// redirects and substitution are rejected rather than guessed at.
func splitPipeline(command string) ([]string, error) {
	var segments []string
	var current strings.Builder
	inSingle, inDouble, escaped := false, false, false

	for i := 0; i < len(command); i++ {
		ch := command[i]

		if escaped {
			current.WriteByte(ch)
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && !inSingle:
			escaped = true
			current.WriteByte(ch)
			continue
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteByte(ch)
			continue
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteByte(ch)
			continue
		}

		if !inSingle && !inDouble {
			switch ch {
			case '|':
				if i+1 < len(command) && (command[i+1] == '|' || command[i+1] == '&') {
					return nil, fmt.Errorf("unsupported shell token: %c%c", ch, command[i+1])
				}
				if seg := strings.TrimSpace(current.String()); seg != "" {
					segments = append(segments, seg)
				}
				current.Reset()
				continue
			case '&', ';', '>', '<', '`', '\n', '(', ')':
				return nil, fmt.Errorf("unsupported shell token: %c", ch)
			case '$':
				if i+1 < len(command) && command[i+1] == '(' {
					return nil, errors.New("unsupported shell token: $()")
				}
			}
		}

		current.WriteByte(ch)
	}

	if escaped || inSingle || inDouble {
		return nil, errors.New("unterminated shell quote")
	}
	if seg := strings.TrimSpace(current.String()); seg != "" {
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return nil, errors.New("empty command")
	}
	return segments, nil
}

func tokenize(segment string) []string {
	var tokens []string
	var current strings.Builder
	inSingle, inDouble, escaped := false, false, false

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(segment); i++ {
		ch := segment[i]
		if escaped {
			current.WriteByte(ch)
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && !inSingle:
			escaped = true
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case (ch == ' ' || ch == '\t') && !inSingle && !inDouble:
			flush()
		default:
			current.WriteByte(ch)
		}
	}
	flush()
	return tokens
}

// resolveExecutable maps the first argv word to an absolute path,
// searching cwd-relative paths and PATH. An unresolvable executable
// returns an empty path and the bare name.
func resolveExecutable(raw, cwd string) (path, name string) {
	if raw == "" {
		return "", ""
	}
	expanded := expandHome(raw)

	if strings.Contains(expanded, "/") {
		resolved := expanded
		if !filepath.IsAbs(resolved) {
			base := cwd
			if base == "" {
				base, _ = os.Getwd()
			}
			resolved = filepath.Join(base, expanded)
		}
		if isExecutableFile(resolved) {
			return resolved, filepath.Base(resolved)
		}
		return "", filepath.Base(expanded)
	}

	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		candidate := filepath.Join(dir, expanded)
		if isExecutableFile(candidate) {
			return candidate, expanded
		}
	}
	return "", expanded
}

func expandHome(path string) string {
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
