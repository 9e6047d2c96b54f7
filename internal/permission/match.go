package permission

import (
	"regexp"
	"strings"
)

// MatchesToolList reports whether toolName matches any entry in list.
// Entries match by exact name. A tool named mcp__<server>__<tool>
// additionally matches the entries mcp__<server> (whole-server form) and
// mcp__<server>__* (explicit wildcard form).
func MatchesToolList(list []string, toolName string) bool {
	server, isMCP := mcpServerOf(toolName)
	for _, entry := range list {
		if entry == toolName {
			return true
		}
		if isMCP && (entry == "mcp__"+server || entry == "mcp__"+server+"__*") {
			return true
		}
	}
	return false
}

// mcpServerOf extracts the server segment from an mcp__<server>__<tool>
// name. Names without a tool segment (plain mcp__<server>) do not count;
// those only ever match exactly.
func mcpServerOf(toolName string) (string, bool) {
	rest, ok := strings.CutPrefix(toolName, "mcp__")
	if !ok {
		return "", false
	}
	server, _, ok := strings.Cut(rest, "__")
	if !ok || server == "" {
		return "", false
	}
	return server, true
}

// MatchesAllowedCommand reports whether command matches any allow pattern.
// Patterns containing * match the full command as a wildcard; literal
// patterns match the whole command or a shell-word prefix of it (the
// pattern followed by a space).
func MatchesAllowedCommand(patterns []string, command string) bool {
	for _, p := range patterns {
		if strings.Contains(p, "*") {
			if wildcardMatch(p, command) {
				return true
			}
			continue
		}
		if command == p || strings.HasPrefix(command, p+" ") {
			return true
		}
	}
	return false
}

// MatchesDisallowedCommand reports whether command matches any disallow
// pattern. Wildcard patterns match as in MatchesAllowedCommand; literal
// patterns match by substring containment so a blocked fragment cannot be
// smuggled into a longer command line.
func MatchesDisallowedCommand(patterns []string, command string) bool {
	for _, p := range patterns {
		if strings.Contains(p, "*") {
			if wildcardMatch(p, command) {
				return true
			}
			continue
		}
		if strings.Contains(command, p) {
			return true
		}
	}
	return false
}

// wildcardMatch matches s against pattern with * as the only metacharacter.
// The pattern is anchored at both ends.
func wildcardMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
