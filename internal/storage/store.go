// Package storage holds generated media bytes under deterministic keys.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrObjectNotFound is returned by Get when no object exists at the key.
var ErrObjectNotFound = errors.New("storage: object not found")

// Object is a stored blob plus its content type.
type Object struct {
	Data        []byte
	ContentType string
}

// BlobStore is the blob persistence used by the artifact pipeline and the
// download routes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (*Object, error)
}

var extensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/webp": "webp",
	"image/gif":  "gif",
	"video/mp4":  "mp4",
	"video/webm": "webm",
	"audio/mpeg": "mp3",
	"audio/wav":  "wav",
}

// Extension maps a content type to the file extension used in keys.
func Extension(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ext, ok := extensions[ct]; ok {
		return ext
	}
	return "bin"
}

// ArtifactKey returns generations/{requestID}/{artifactID}.{ext}.
func ArtifactKey(requestID, artifactID, contentType string) string {
	return fmt.Sprintf("generations/%s/%s.%s", requestID, artifactID, Extension(contentType))
}
