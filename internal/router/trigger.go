// Package router decides which inbound messages reach a group's
// sandbox. Non-main groups only react when mentioned by their trigger,
// unless the group opted out of triggering entirely.
package router

import (
	"regexp"
	"strings"
)

// DefaultTrigger is used when a group has no trigger pattern of its own.
const DefaultTrigger = "@burrow"

// TriggerPattern builds the mention regex for a trigger word. The
// leading @ is added when missing, matching is case-insensitive, and
// the mention must open the message on a word boundary, so "@andy"
// matches "@Andy's thing" but not "@Andrew" or "hello @Andy".
func TriggerPattern(trigger string) *regexp.Regexp {
	normalized := strings.TrimSpace(trigger)
	if normalized == "" {
		normalized = DefaultTrigger
	}
	if !strings.HasPrefix(normalized, "@") {
		normalized = "@" + normalized
	}
	return regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(normalized) + `\b`)
}

// RequiresTrigger reports whether a group only reacts to mentions. The
// main group never requires one; everyone else does unless explicitly
// opted out.
func RequiresTrigger(isMain bool, requiresTrigger *bool) bool {
	if isMain {
		return false
	}
	return requiresTrigger == nil || *requiresTrigger
}

// ShouldProcess reports whether a batch of messages warrants waking the
// group's sandbox.
func ShouldProcess(isMain bool, requiresTrigger *bool, trigger string, messages []string) bool {
	if !RequiresTrigger(isMain, requiresTrigger) {
		return true
	}
	pattern := TriggerPattern(trigger)
	for _, m := range messages {
		if pattern.MatchString(strings.TrimSpace(m)) {
			return true
		}
	}
	return false
}
