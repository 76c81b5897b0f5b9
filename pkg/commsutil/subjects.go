package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectRoot          = "toolsystem"
	SubjectEvents        = "toolsystem.events"
	SubjectWildcardTrail = ">"
)

// SanitizeToken makes s safe to use as a single subject token.
func SanitizeToken(s string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(s)
}

// BuildBroadcastSubject builds the subject every context on a channel listens to.
func BuildBroadcastSubject(channel string) string {
	return fmt.Sprintf("%s.%s.broadcast", SubjectRoot, SanitizeToken(channel))
}

// BuildInboxSubject builds the direct subject of a single context.
func BuildInboxSubject(channel, sourceID string) string {
	return fmt.Sprintf("%s.%s.ctx.%s", SubjectRoot, SanitizeToken(channel), SanitizeToken(sourceID))
}

// BuildEventSubject builds a granular lifecycle event subject, e.g.
// "toolsystem.events.tool_complete".
func BuildEventSubject(prefix, eventType string) string {
	token := strings.NewReplacer(":", "_", ".", "_").Replace(eventType)
	return prefix + "." + token
}
