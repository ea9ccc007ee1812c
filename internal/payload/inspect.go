// Package payload checks the generated document a submission points at before
// a worker is allowed to pick it up.
package payload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	ErrLocalDisabled = errors.New("local payload paths are not accepted; use a URI reference")
	ErrOutsideRoot   = errors.New("payload path must be relative to the payload root")
	ErrUnavailable   = errors.New("payload is not available")
	ErrEmptyPDF      = errors.New("payload PDF has no pages")
	ErrCorruptPDF    = errors.New("payload PDF cannot be read")
)

// Info describes a local payload
type Info struct {
	Local bool
	Pages int
}

// Inspector resolves local payload references inside a single directory.
type Inspector struct {
	root string
}

// NewInspector returns an inspector for files under root. With an empty
// root only URI references are accepted.
func NewInspector(root string) *Inspector {
	return &Inspector{root: root}
}

// Inspect looks at ref. Remote references (any URI scheme) are trusted to the
// document producer. Local references are paths relative to the root and must
// name a regular file; PDFs must parse with at least one page. Failures never
// say whether a path exists.
func (in *Inspector) Inspect(ref string) (Info, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.Contains(ref, "://") {
		return Info{}, nil
	}
	if in.root == "" {
		return Info{}, ErrLocalDisabled
	}

	rel := filepath.FromSlash(strings.TrimPrefix(ref, "file:"))
	if !filepath.IsLocal(rel) {
		return Info{Local: true}, ErrOutsideRoot
	}

	root, err := os.OpenRoot(in.root)
	if err != nil {
		return Info{Local: true}, fmt.Errorf("open payload root: %w", err)
	}
	defer root.Close()

	f, err := root.Open(rel)
	if err != nil {
		return Info{Local: true}, ErrUnavailable
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		return Info{Local: true}, ErrUnavailable
	}
	if !strings.EqualFold(filepath.Ext(rel), ".pdf") {
		return Info{Local: true}, nil
	}

	r, err := pdf.NewReader(f, st.Size())
	if err != nil {
		return Info{Local: true}, ErrCorruptPDF
	}
	pages := r.NumPage()
	if pages < 1 {
		return Info{Local: true}, ErrEmptyPDF
	}
	return Info{Local: true, Pages: pages}, nil
}
