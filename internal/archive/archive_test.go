package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := zip.NewWriter(f)
	for name, content := range entries {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtractZipNormal(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "good.zip")
	dest := filepath.Join(dir, "dest")
	writeZip(t, zipPath, map[string]string{
		"a.txt":        "hello",
		"sub/b.txt":    "world",
	})

	if err := ExtractZip(zipPath, dest); err != nil {
		t.Fatalf("ExtractZip: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil || string(got) != "hello" {
		t.Errorf("a.txt = %q, %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	if err != nil || string(got) != "world" {
		t.Errorf("sub/b.txt = %q, %v", got, err)
	}
}

// TestExtractZipRejectsSiblingPrefixTraversal is scenario S3/S8: a member
// path like "../root2/evil" must be rejected even though the destination
// name "root" is a string prefix of the sibling "root2".
func TestExtractZipRejectsSiblingPrefixTraversal(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	zipPath := filepath.Join(dir, "evil.zip")
	writeZip(t, zipPath, map[string]string{
		"../root2/evil": "pwned",
	})

	err := ExtractZip(zipPath, root)
	if err == nil {
		t.Fatal("ExtractZip: expected rejection for sibling-prefix traversal, got nil error")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "root2", "evil")); !os.IsNotExist(statErr) {
		t.Errorf("root2/evil should not exist after rejected extraction, stat err = %v", statErr)
	}
}

func TestExtractZipRejectsDotDot(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "dest")
	zipPath := filepath.Join(dir, "evil2.zip")
	writeZip(t, zipPath, map[string]string{
		"../outside.txt": "pwned",
	})

	if err := ExtractZip(zipPath, dest); err == nil {
		t.Fatal("ExtractZip: expected rejection for ../outside.txt, got nil error")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "outside.txt")); !os.IsNotExist(statErr) {
		t.Errorf("outside.txt should not exist after rejected extraction, stat err = %v", statErr)
	}
}
