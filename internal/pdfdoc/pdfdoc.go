// Package pdfdoc validates uploaded book documents.
package pdfdoc

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/crypto/blake2b"

	dErrors "actnexus/pkg/domain-errors"
)

// Info is what the pipeline records about a validated document.
type Info struct {
	PageCount int
	Checksum  string
}

var pdfMagic = []byte("%PDF-")

// Inspector validates PDFs with pdfcpu in relaxed mode, which tolerates the
// minor structural defects common in scanner output.
type Inspector struct {
	conf *model.Configuration
}

func NewInspector() *Inspector {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Inspector{conf: conf}
}

// Inspect rejects anything that is not a readable PDF and returns its page count and checksum.
func (i *Inspector) Inspect(data []byte) (Info, error) {
	if !bytes.HasPrefix(data, pdfMagic) {
		return Info{}, dErrors.New(dErrors.CodeValidation, "file is not a PDF document")
	}
	if err := api.Validate(bytes.NewReader(data), i.conf); err != nil {
		return Info{}, dErrors.Wrap(err, dErrors.CodeValidation, "invalid PDF document")
	}
	pages, err := api.PageCount(bytes.NewReader(data), i.conf)
	if err != nil {
		return Info{}, dErrors.Wrap(err, dErrors.CodeValidation, "unreadable PDF page tree")
	}
	if pages == 0 {
		return Info{}, dErrors.New(dErrors.CodeValidation, "PDF document has no pages")
	}
	return Info{PageCount: pages, Checksum: Checksum(data)}, nil
}

// Checksum is the hex BLAKE2b-256 digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CheckUpload applies the cheap filename and content type checks done before
// the document is parsed.
func CheckUpload(filename, contentType string, size, maxBytes int64) error {
	if size == 0 {
		return dErrors.New(dErrors.CodeValidation, "file is empty")
	}
	if maxBytes > 0 && size > maxBytes {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("file exceeds %d bytes", maxBytes))
	}
	ext := strings.ToLower(path.Ext(filename))
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ext != ".pdf" && ct != "application/pdf" {
		return dErrors.New(dErrors.CodeValidation, "only PDF files are accepted")
	}
	return nil
}
