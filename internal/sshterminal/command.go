package sshterminal

import (
	"fmt"
	"regexp"
	"strings"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// StartupCommand builds the program run when a session starts. An empty
// command selects the remote login shell. Otherwise the command is exec'd,
// preceded by NAME='value' assignments for every name in envNames that
// lookup resolves. Unresolved names are skipped.
func StartupCommand(command string, envNames []string, lookup func(string) (string, bool)) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", nil
	}

	var b strings.Builder
	for _, name := range envNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !envNamePattern.MatchString(name) {
			return "", fmt.Errorf("invalid environment variable name %q", name)
		}
		value, ok := lookup(name)
		if !ok {
			continue
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(shellQuote(value))
		b.WriteByte(' ')
	}
	b.WriteString("exec ")
	b.WriteString(command)
	return b.String(), nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
