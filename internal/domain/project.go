package domain

import "time"

// Project describes a deployable static site.
type Project struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt time.Time
}

// EnvVar is a project environment variable injected into build containers.
// Variables are read live at build time, not snapshotted with the source.
type EnvVar struct {
	ProjectID string
	Key       string
	Value     string
}
