package printer

import "strings"

// Token lists for classifying firmware state strings. Matching is substring
// on the lowercased state so firmware variants like "PREPARING" or
// "AUTO_CALIBRATING" classify without an exhaustive enum.
var (
	idleStateTokens = []string{"idle", "ready", "finish", "completed", "standby"}
	busyStateTokens = []string{"print", "running", "busy", "pause", "prepar", "calib", "heating", "homing"}
)

func normalizeState(state string) string {
	return strings.ToLower(strings.TrimSpace(state))
}

func containsAny(state string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(state, tok) {
			return true
		}
	}
	return false
}

// IdleState reports whether a raw device state matches the idle tokens.
func IdleState(state string) bool {
	return containsAny(normalizeState(state), idleStateTokens)
}

// FailedState reports whether a raw device state is a failure state.
func FailedState(state string) bool {
	return strings.Contains(normalizeState(state), "failed")
}

// Available reports whether a device can accept a new job right now: it must
// be connected, not in any busy state, and either idle-like or sitting in a
// FAILED state with no actual error recorded. That last case is
// firmware-dependent policy: some firmware parks in FAILED after a canceled
// print with all error fields clear, and such a device is safe to use.
func Available(s Status) bool {
	if !s.Connected {
		return false
	}

	state := normalizeState(s.PrinterState)
	if state == "" {
		return false
	}
	if containsAny(state, busyStateTokens) {
		return false
	}
	if containsAny(state, idleStateTokens) {
		return true
	}

	if strings.Contains(state, "failed") {
		// The primary code must be a confirmed zero; an unreported value is
		// unknown, not clean. The secondary code and hms list are often
		// absent from otherwise healthy reports, so nil passes for those.
		if s.PrintErrorCode == nil || *s.PrintErrorCode != 0 {
			return false
		}
		if s.MCPrintErrorCode != nil && *s.MCPrintErrorCode != 0 {
			return false
		}
		if len(s.HMS) > 0 {
			return false
		}
		return true
	}

	return false
}
