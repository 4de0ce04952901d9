package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestAssertNoDirectImportsPasses(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ok.go", "package tmp\nimport \"fmt\"\nvar _ = fmt.Sprint\n")
	AssertNoDirectImports(t, dir, InternalImportForbidden, "public packages stay standalone")
}

func TestDirectImportViolationsDetected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.go", "package tmp\nimport _ \"example.com/mod/internal/ledger\"\n")
	viols, err := directImportViolations(dir, InternalImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 {
		t.Fatalf("violations = %v, want one", viols)
	}
}

func TestPredicates(t *testing.T) {
	if !InternalImportForbidden("healthcore/internal/ledger") {
		t.Error("internal import not flagged")
	}
	if InternalImportForbidden("healthcore/pkg/domain") {
		t.Error("public import flagged")
	}
	if !AdapterImportForbidden("healthcore/internal/adapters/rest") {
		t.Error("adapter import not flagged")
	}
	if AdapterImportForbidden("healthcore/internal/archive") {
		t.Error("non-adapter internal import flagged")
	}
}

func TestAssertNoDirectImportsSkipsTestFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad_test.go", "package tmp\nimport _ \"example.com/mod/internal/ledger\"\n")
	AssertNoDirectImports(t, dir, InternalImportForbidden, "test files are exempt")
}
