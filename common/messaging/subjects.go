package messaging

import "strings"

// Dead-letter subjects follow connector.dlq.{destination}.
const (
	SubjectDLQPrefix = "connector.dlq"
	SubjectDLQAll    = SubjectDLQPrefix + ".>"
)

// DLQSubject returns the dead-letter subject for a destination. Dots in the
// name would split it into several subject tokens, so they become underscores.
// Example: connector.dlq.siem_eu-1
func DLQSubject(destination string) string {
	name := strings.ReplaceAll(destination, ".", "_")
	if name == "" {
		name = "unknown"
	}
	return SubjectDLQPrefix + "." + name
}
