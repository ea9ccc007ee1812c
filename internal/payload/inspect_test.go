package payload

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInspectRemoteRefsPassThrough(t *testing.T) {
	for _, in := range []*Inspector{NewInspector(""), NewInspector(t.TempDir())} {
		for _, ref := range []string{"", "s3://bucket/forms/1.pdf", "https://docs.example/1.pdf", "doc://abc"} {
			info, err := in.Inspect(ref)
			if err != nil || info.Local {
				t.Fatalf("%q: expected pass-through, got %+v %v", ref, info, err)
			}
		}
	}
}

func TestInspectWithoutRootRejectsLocalPaths(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "form.pdf")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, ref := range []string{p, "file:" + p, "form.pdf", "/etc/passwd"} {
		if _, err := NewInspector("").Inspect(ref); !errors.Is(err, ErrLocalDisabled) {
			t.Fatalf("%q: expected ErrLocalDisabled, got %v", ref, err)
		}
	}
}

func TestInspectStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	in := NewInspector(root)
	for _, ref := range []string{"/etc/passwd", "../outside.pdf", "file:../../etc/hosts", "forms/../../x"} {
		if _, err := in.Inspect(ref); !errors.Is(err, ErrOutsideRoot) {
			t.Fatalf("%q: expected ErrOutsideRoot, got %v", ref, err)
		}
	}
}

func TestInspectDoesNotRevealWhatIsOnDisk(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "forms"), 0o755); err != nil {
		t.Fatal(err)
	}
	in := NewInspector(root)

	_, missing := in.Inspect("nope.pdf")
	_, dir := in.Inspect("forms")
	if !errors.Is(missing, ErrUnavailable) || !errors.Is(dir, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for both, got %v / %v", missing, dir)
	}
	if missing.Error() != dir.Error() {
		t.Fatalf("missing file and directory must read the same: %q vs %q", missing, dir)
	}
	if strings.Contains(missing.Error(), root) {
		t.Fatalf("error leaks the path: %v", missing)
	}
}

func TestInspectNonPDFLocalFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "form.hwp"), []byte("binary"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := NewInspector(root).Inspect("file:form.hwp")
	if err != nil || !info.Local || info.Pages != 0 {
		t.Fatalf("unexpected: %+v %v", info, err)
	}
}

func TestInspectCorruptPDF(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "broken.pdf"), []byte("this is definitely not a PDF document, just text"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewInspector(root).Inspect("broken.pdf"); !errors.Is(err, ErrCorruptPDF) {
		t.Fatalf("expected ErrCorruptPDF, got %v", err)
	}
}
