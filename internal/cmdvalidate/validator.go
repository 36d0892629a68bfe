// Package cmdvalidate implements the default command-injection guard rail
// used ahead of batch dispatch: a deny-list over dangerous characters,
// command names and arguments, plus a sensitive-field masker for audit
// logging. Callers that need a different policy can supply their own
// batch.CommandValidator instead.
package cmdvalidate

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MinCommandLength rejects an effectively empty command.
	MinCommandLength = 1
	// MaxCommandLength bounds command size to prevent abuse via an
	// arbitrarily large payload.
	MaxCommandLength = 10000
)

// dangerousChars are shell metacharacters that would let a single
// "command" field smuggle in a second command or redirect I/O.
var dangerousChars = []string{
	";", "|", "&", "&&", "||", ">", "<", ">>", "<<", "`", "$", "(", ")", "{", "}",
	"\n", "\r", "\t", "\\", "'", "\"", "#", "*", "?", "[", "]",
}

// dangerousCommands are base command names that can destroy data or take
// down the remote host outright.
var dangerousCommands = []string{
	"rm", "dd", "mkfs", "fdisk", "parted",
	"shutdown", "reboot", "halt", "poweroff", "init",
	"killall", "pkill", "kill", "format", "del",
}

// dangerousArguments are patterns that, combined with an otherwise
// unremarkable command, are destructive enough to deny outright. Entries
// with a space match anywhere in the command; the others match within a
// single argument, where a directory entry also matches the directory
// named without its trailing slash, and the bare "/" matches only an
// argument that is exactly the filesystem root.
var dangerousArguments = []string{
	"-rf", "-r -f", "-f -r",
	"/", "/dev/", "/proc/", "/sys/",
	"of=/dev/", "if=/dev/zero", "if=/dev/urandom",
}

var (
	envVarPattern  = regexp.MustCompile(`\$\{?[A-Za-z_][A-Za-z0-9_]*\}?`)
	redirectPattern = regexp.MustCompile(`[<>]\s*[0-9]*`)
)

// Validator is the default batch.CommandValidator. The zero value is ready
// to use.
type Validator struct{}

// New returns a ready-to-use Validator.
func New() *Validator { return &Validator{} }

// Validate rejects commands containing shell metacharacters, known
// destructive command names or arguments, or obvious multi-command
// injection attempts. It never inspects per-host state — the same command
// text is validated once for the whole batch.
func (Validator) Validate(command string) error {
	if len(command) < MinCommandLength {
		return fmt.Errorf("command must not be empty")
	}
	if len(command) > MaxCommandLength {
		return fmt.Errorf("command exceeds maximum length of %d characters", MaxCommandLength)
	}

	for _, ch := range dangerousChars {
		if strings.Contains(command, ch) {
			return fmt.Errorf("command contains disallowed character %q", ch)
		}
	}

	trimmed := strings.TrimSpace(command)
	if strings.Contains(trimmed, "  ") {
		return fmt.Errorf("command contains multiple consecutive spaces, which may indicate an injection attempt")
	}

	if envVarPattern.MatchString(command) {
		return fmt.Errorf("environment variable expansion is not allowed in commands")
	}
	if redirectPattern.MatchString(command) {
		return fmt.Errorf("I/O redirection is not allowed in commands")
	}

	if first, _ := firstRune(trimmed); first != 0 {
		if !isAlphanumeric(first) && first != '/' && first != '.' {
			return fmt.Errorf("command must start with an alphanumeric character, '/' or '.'")
		}
	}

	parts := strings.Fields(trimmed)
	if len(parts) == 0 {
		return fmt.Errorf("command must not be empty")
	}
	name := baseName(parts[0])
	for _, dangerous := range dangerousCommands {
		if name == dangerous || strings.HasSuffix(name, "/"+dangerous) {
			return fmt.Errorf("command %q is not allowed: it can destroy data or disrupt the host", name)
		}
	}

	lower := strings.ToLower(trimmed)
	for _, arg := range dangerousArguments {
		if strings.Contains(arg, " ") {
			if strings.Contains(lower, arg) {
				return fmt.Errorf("command contains disallowed argument %q", arg)
			}
			continue
		}
		for _, tok := range strings.Fields(lower) {
			if tok == arg || (arg != "/" && strings.Contains(tok+"/", arg)) {
				return fmt.Errorf("command contains disallowed argument %q", arg)
			}
		}
	}

	if strings.HasPrefix(lower, "rm ") || strings.Contains(lower, "/rm ") {
		if strings.Contains(lower, "-rf") || strings.Contains(lower, "-r -f") || strings.Contains(lower, "-f -r") {
			return fmt.Errorf("rm with -rf is not allowed; delete files individually instead")
		}
	}

	if strings.HasPrefix(lower, "dd ") || strings.Contains(lower, "/dd ") {
		if strings.Contains(lower, "of=/dev/sd") || strings.Contains(lower, "of=/dev/hd") {
			return fmt.Errorf("dd writing to a block device is not allowed")
		}
	}

	return nil
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func baseName(commandWord string) string {
	if strings.HasPrefix(commandWord, "/") || strings.HasPrefix(commandWord, "./") {
		segments := strings.Split(commandWord, "/")
		return segments[len(segments)-1]
	}
	return commandWord
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password\s*=\s*\S+`),
	regexp.MustCompile(`(?i)passwd\s*=\s*\S+`),
	regexp.MustCompile(`(?i)pass\s*=\s*\S+`),
	regexp.MustCompile(`(?i)key\s*=\s*\S+`),
	regexp.MustCompile(`(?i)token\s*=\s*\S+`),
	regexp.MustCompile(`(?i)secret\s*=\s*\S+`),
}

// MaskSensitive truncates s to 200 characters and replaces "field=value"
// patterns for common secret field names with "field=***", for safe use in
// audit log details.
func MaskSensitive(s string) string {
	masked := s
	for _, pattern := range sensitivePatterns {
		masked = pattern.ReplaceAllStringFunc(masked, func(match string) string {
			idx := strings.IndexByte(match, '=')
			if idx < 0 {
				return match
			}
			return match[:idx+1] + "***"
		})
	}
	if len(masked) > 200 {
		masked = masked[:200] + "..."
	}
	return masked
}
