package helpers

import "strings"

// Redacted replaces secrets in log output.
const Redacted = "[REDACTED]"

// MaskSecrets returns a copy of args with every occurrence of any non-empty
// secret replaced by Redacted. It is used before an external command line is
// written to a log.
func MaskSecrets(args []string, secrets ...string) []string {
	masked := make([]string, len(args))
	for i, arg := range args {
		for _, secret := range secrets {
			if secret == "" {
				continue
			}
			arg = strings.ReplaceAll(arg, secret, Redacted)
		}
		masked[i] = arg
	}
	return masked
}

// MaskSensitive redacts everything after the first field following command
// in line, e.g. "LOGIN user secret" becomes "LOGIN user [REDACTED]".
func MaskSensitive(line, command string) string {
	parts := strings.Fields(line)
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			keep := i + 2
			if len(parts) > keep {
				return strings.Join(parts[:keep], " ") + " " + Redacted
			}
			return line
		}
	}
	return line
}
