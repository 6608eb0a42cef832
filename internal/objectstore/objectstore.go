// Package objectstore stores book documents in a bucket/key addressed blob store
// and issues time-limited access URLs for them.
package objectstore

import (
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	dErrors "actnexus/pkg/domain-errors"
	"actnexus/pkg/platform/sentinel"
)

// ErrObjectNotFound is returned when the addressed object does not exist.
// Backend failures never wrap it.
var ErrObjectNotFound = fmt.Errorf("object %w", sentinel.ErrNotFound)

// Metadata keys stored next to every uploaded object.
const (
	MetaOriginalFilename = "original-filename"
	MetaUploadTimestamp  = "upload-timestamp"
	MetaFileSize         = "file-size"
)

const defaultContentType = "application/octet-stream"

// Ref addresses one stored object.
type Ref struct {
	Bucket string
	Key    string
}

func (r Ref) String() string {
	return r.Bucket + "/" + r.Key
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// NewKey builds prefix/YYYYMMDD_HHMMSS_<uuid><ext>, keeping the original
// extension in lower case.
func NewKey(prefix, filename string, now time.Time) string {
	ext := strings.ToLower(path.Ext(filename))
	name := fmt.Sprintf("%s_%s%s", now.UTC().Format("20060102_150405"), uuid.NewString(), ext)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// ContentTypeFor derives the content type from the filename extension.
func ContentTypeFor(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		return defaultContentType
	}
	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return defaultContentType
	}
	if i := strings.IndexByte(ct, ';'); i > 0 {
		ct = ct[:i]
	}
	return ct
}

func newMetadata(filename string, size int, now time.Time) map[string]string {
	return map[string]string{
		MetaOriginalFilename: filename,
		MetaUploadTimestamp:  now.UTC().Format(time.RFC3339),
		MetaFileSize:         fmt.Sprintf("%d", size),
	}
}

func validatePut(data []byte, filename string) error {
	if len(data) == 0 {
		return dErrors.New(dErrors.CodeValidation, "object content is empty")
	}
	if strings.TrimSpace(filename) == "" {
		return dErrors.New(dErrors.CodeValidation, "filename is required")
	}
	return nil
}

func validateMethod(method string) (string, error) {
	method = strings.ToUpper(method)
	switch method {
	case "":
		return http.MethodGet, nil
	case http.MethodGet, http.MethodPut, http.MethodHead, http.MethodDelete:
		return method, nil
	}
	return "", dErrors.New(dErrors.CodeValidation, "unsupported presign method "+method)
}
