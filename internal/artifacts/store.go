package artifacts

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/praveen70140/PageForge/internal/build"
)

// Store publishes and retrieves objects in the artifact bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// NewStore connects to the object storage endpoint.
func NewStore(endpoint, accessKey, secretKey string, useSSL bool, bucket string) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// UploadDir publishes every regular file under localDir to the deployment's
// artifact prefix, inferring content types from file extensions. It returns
// the number of files uploaded. A single failed upload fails the whole
// operation.
func (s *Store) UploadDir(ctx context.Context, deploymentID, localDir string) (int, error) {
	prefix := build.ArtifactPrefix(deploymentID)
	uploaded := 0

	err := filepath.WalkDir(localDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		relative, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		objectKey := prefix + "/" + filepath.ToSlash(relative)

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", relative, err)
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			return fmt.Errorf("stat %s: %w", relative, err)
		}

		_, err = s.client.PutObject(ctx, s.bucket, objectKey, file, info.Size(), minio.PutObjectOptions{
			ContentType: ContentType(path),
		})
		if err != nil {
			return fmt.Errorf("upload %s: %w", objectKey, err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uploaded, nil
}

// Download fetches an object into a local file, creating parent directories
// as needed.
func (s *Store) Download(ctx context.Context, objectKey, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}
	object, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", objectKey, err)
	}
	defer object.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := file.ReadFrom(object); err != nil {
		file.Close()
		return fmt.Errorf("download %s: %w", objectKey, err)
	}
	return file.Close()
}

var contentTypes = map[string]string{
	".html":        "text/html",
	".css":         "text/css",
	".js":          "application/javascript",
	".json":        "application/json",
	".png":         "image/png",
	".jpg":         "image/jpeg",
	".jpeg":        "image/jpeg",
	".gif":         "image/gif",
	".svg":         "image/svg+xml",
	".ico":         "image/x-icon",
	".woff":        "font/woff",
	".woff2":       "font/woff2",
	".ttf":         "font/ttf",
	".txt":         "text/plain",
	".xml":         "application/xml",
	".webp":        "image/webp",
	".map":         "application/json",
	".webmanifest": "application/manifest+json",
}

// ContentType infers the MIME type to serve a file with, defaulting to a
// generic binary type for unknown extensions.
func ContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
