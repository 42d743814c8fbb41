// (c) Copyright Procwatch 2025

package governor

import "strings"

// maskedValue replaces values matched by the secrets matcher before they are
// written to the event log or the dashboard.
const maskedValue = "<redacted>"

// sanitizeEnv returns a copy of env in KEY=VALUE form with the values of
// secret-looking keys masked.
func sanitizeEnv(env []string, m Matcher) []string {
	if m == nil {
		return env
	}

	sanitized := make([]string, len(env))
	for i, kv := range env {
		key, _, found := strings.Cut(kv, "=")
		if found && m.Match(key) {
			sanitized[i] = key + "=" + maskedValue
			continue
		}

		sanitized[i] = kv
	}

	return sanitized
}

// sanitizeArgs masks the value part of --key=value style arguments whose key
// matches the secrets matcher. Positional arguments are kept as-is.
func sanitizeArgs(args []string, m Matcher) []string {
	if m == nil {
		return args
	}

	sanitized := make([]string, len(args))
	for i, arg := range args {
		key, _, found := strings.Cut(arg, "=")
		if found && m.Match(strings.TrimLeft(key, "-")) {
			sanitized[i] = key + "=" + maskedValue
			continue
		}

		sanitized[i] = arg
	}

	return sanitized
}
