// Package build holds shared build-pipeline constants and naming helpers
// used by both the queue producer side and the worker.
package build

import (
	"fmt"
	"regexp"
	"strings"
)

// QueueName is the Redis list the worker consumes build jobs from.
const QueueName = "build-jobs"

// Defaults applied when a project has no explicit build configuration.
const (
	DefaultInstallCommand  = "npm install"
	DefaultBuildCommand    = "npm run build"
	DefaultOutputDirectory = "dist"
	DefaultImage           = "node:20-alpine"
	DefaultMemoryLimit     = 512 * 1024 * 1024
	DefaultCPULimit        = 1_000_000_000
)

// Bucket is the object storage bucket holding artifacts and source ZIPs.
const Bucket = "pageforge-artifacts"

// Job is the queue payload for one build.
type Job struct {
	DeploymentID string `json:"deploymentId"`
	ProjectSlug  string `json:"projectSlug"`
}

// LogsChannel returns the pub/sub channel carrying live build output for a
// deployment.
func LogsChannel(deploymentID string) string {
	return "build-logs:" + deploymentID
}

// ArtifactPrefix returns the object storage key prefix for a deployment's
// build output.
func ArtifactPrefix(deploymentID string) string {
	return "artifacts/" + deploymentID
}

// ZipStoragePath returns the object storage key for an uploaded source ZIP.
func ZipStoragePath(projectSlug, fileName string) string {
	return fmt.Sprintf("uploads/%s/%s", projectSlug, fileName)
}

var (
	slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)
	slugTrim    = regexp.MustCompile(`^-|-$`)
)

// GenerateSlug derives a URL-safe project slug from a display name.
func GenerateSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugInvalid.ReplaceAllString(slug, "-")
	slug = slugTrim.ReplaceAllString(slug, "")
	if len(slug) > 48 {
		slug = slug[:48]
	}
	return slug
}
