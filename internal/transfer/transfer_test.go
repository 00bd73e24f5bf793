package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/naojsoft/datasink/internal/job"
)

func TestNewPath_PolicyNone(t *testing.T) {
	tr := New(Options{DataDir: "/data", StoreBy: StoreByNone})
	got, err := tr.NewPath("a.fits", &job.Job{})
	if err != nil {
		t.Fatalf("new path: %v", err)
	}
	if got != "/data/a.fits" {
		t.Fatalf("expected /data/a.fits, got %s", got)
	}
}

func TestNewPath_PolicyPropIDMissing(t *testing.T) {
	tr := New(Options{DataDir: "/data", StoreBy: StoreByPropID})
	if _, err := tr.NewPath("a.fits", &job.Job{}); err == nil {
		t.Fatal("expected error for missing propid")
	}
}

func TestNewPath_PolicyInsName(t *testing.T) {
	tr := New(Options{DataDir: "/data", StoreBy: StoreByInsName})
	got, err := tr.NewPath("a.fits", &job.Job{InsName: "HSC"})
	if err != nil {
		t.Fatalf("new path: %v", err)
	}
	if got != "/data/HSC/a.fits" {
		t.Fatalf("expected /data/HSC/a.fits, got %s", got)
	}
}

func TestCheckRename_RenamesExistingFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "exists.fits")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	tr := New(Options{})
	renamed, err := tr.CheckRename(target)
	if err != nil {
		t.Fatalf("check rename: %v", err)
	}
	if !renamed {
		t.Fatal("expected rename to report true")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("expected original path to be gone after rename")
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "exists.fits.*"))
	if len(matches) != 1 {
		t.Fatalf("expected exactly one renamed sibling, got %v", matches)
	}
}

func TestApplyDefaults_FillsFromConfig(t *testing.T) {
	tr := New(Options{DefaultHost: "h1", DefaultMethod: "scp", DefaultUser: "alice", Direction: "from"})
	j := &job.Job{}
	tr.ApplyDefaults(j)

	if j.Host != "h1" || j.TransferMethod != "scp" || j.Username != "alice" || j.Direction != "from" {
		t.Fatalf("unexpected defaults applied: %+v", j)
	}
}

func TestApplyDefaults_DoesNotOverrideExplicitJobFields(t *testing.T) {
	tr := New(Options{DefaultHost: "h1", DefaultMethod: "scp"})
	j := &job.Job{Host: "explicit-host", TransferMethod: "copy"}
	tr.ApplyDefaults(j)

	if j.Host != "explicit-host" || j.TransferMethod != "copy" {
		t.Fatalf("expected explicit job fields preserved, got %+v", j)
	}
}

func TestRun_CopyMethodVerifiesSizeAndPostProcessesMove(t *testing.T) {
	dir := t.TempDir()
	moveDir := t.TempDir()

	tr := New(Options{DataDir: dir, MoveDir: moveDir})
	tr.runCmd = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != "cp" {
			t.Fatalf("expected cp, got %s", name)
		}
		// simulate cp actually writing the destination file
		dst := args[len(args)-1]
		return nil, os.WriteFile(dst, []byte("0123456789"), 0644)
	}

	size := int64(10)
	j := &job.Job{Action: "transfer", SrcPath: "/src/data.fits", TransferMethod: "copy", Size: &size}

	res, err := tr.Run(context.Background(), j)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FileSize != 10 {
		t.Fatalf("expected filesize 10, got %d", res.FileSize)
	}

	moved := filepath.Join(moveDir, "data.fits")
	if _, err := os.Stat(moved); err != nil {
		t.Fatalf("expected file moved to movedir: %v", err)
	}
}

func TestRun_SizeMismatchIsIntegrityError(t *testing.T) {
	dir := t.TempDir()
	tr := New(Options{DataDir: dir})
	tr.runCmd = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		dst := args[len(args)-1]
		return nil, os.WriteFile(dst, []byte("short"), 0644)
	}

	size := int64(999)
	j := &job.Job{Action: "transfer", SrcPath: "/src/data.fits", TransferMethod: "copy", Size: &size}

	res, err := tr.Run(context.Background(), j)
	if err == nil {
		t.Fatal("expected integrity error for size mismatch")
	}
	if res.ExitCode == 0 {
		t.Fatalf("expected non-zero exit code on integrity failure, got %d", res.ExitCode)
	}
}

func TestRun_UnknownTransferMethod(t *testing.T) {
	dir := t.TempDir()
	tr := New(Options{DataDir: dir})
	j := &job.Job{Action: "transfer", SrcPath: "/src/data.fits", TransferMethod: "carrier-pigeon"}

	if _, err := tr.Run(context.Background(), j); err == nil {
		t.Fatal("expected error for unknown transfer method")
	}
}
