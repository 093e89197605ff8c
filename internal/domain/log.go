package domain

import "time"

// Log stream tags for build output lines.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// LogEntry is a single immutable build log line. Entries are appended in
// production order and never edited or retracted; secret redaction happens
// before an entry is created.
type LogEntry struct {
	DeploymentID string
	Timestamp    time.Time
	Stream       string
	Line         string
}
