package transfer

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeTestTar(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create tar: %v", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		t.Fatalf("write tar file: %v", err)
	}
}

func TestExtractTar_WritesFiles(t *testing.T) {
	dir := t.TempDir()
	tarPath := filepath.Join(dir, "archive.tar")
	writeTestTar(t, tarPath, map[string]string{
		"a.txt":        "hello",
		"sub/b.txt":    "world",
	})

	destDir := filepath.Join(dir, "out")
	if err := extractTar(tarPath, destDir); err != nil {
		t.Fatalf("extract: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	if err != nil || string(got) != "hello" {
		t.Fatalf("expected a.txt=hello, got %q err=%v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(destDir, "sub", "b.txt"))
	if err != nil || string(got) != "world" {
		t.Fatalf("expected sub/b.txt=world, got %q err=%v", got, err)
	}
}

func TestExtractTar_RejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	tarPath := filepath.Join(dir, "evil.tar")
	writeTestTar(t, tarPath, map[string]string{
		"../../escape.txt": "pwned",
	})

	destDir := filepath.Join(dir, "out")
	if err := extractTar(tarPath, destDir); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}
