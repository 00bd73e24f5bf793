// Package transfer implements the sink's file-movement engine: resolving
// a destination path under the configured storeby policy, invoking the
// external protocol client for the configured transfer method, verifying
// size and (optionally) MD5 checksum, and performing the tar-extraction or
// move post-processing that follows a successful transfer. It is grounded
// directly on original_source/datasink/transfer.py (Transfer.transfer,
// transfer_from, get_newpath, check_rename, check_md5sum) and
// original_source/datasink/datasink.py's xfer_file callback for the
// unpack/move step.
package transfer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/naojsoft/datasink/internal/errs"
	"github.com/naojsoft/datasink/internal/job"
	"github.com/naojsoft/datasink/internal/metrics"
)

// StoreBy selects the destination subdirectory policy.
type StoreBy string

const (
	StoreByNone    StoreBy = ""
	StoreByPropID  StoreBy = "propid"
	StoreByInsName StoreBy = "insname"
)

// Options configures a Transfer engine. It corresponds to the sink-level
// config keys datadir, movedir, unpack_tarfiles, storeby, md5check,
// mountmangle, transfer_host/method/username/direction.
type Options struct {
	DataDir        string
	MoveDir        string
	UnpackTarfiles bool
	StoreBy        StoreBy
	MD5Check       bool
	MountMangle    string
	DefaultHost    string
	DefaultMethod  string
	DefaultUser    string
	Direction      string
	Logger         *zap.Logger
}

// Result records what happened during one transfer, the Go analogue of
// transfer.py's `result`/`res` dict.
type Result struct {
	TimeStart  time.Time
	TimeDone   time.Time
	SrcHost    string
	SrcPath    string
	DstHost    string
	DstPath    string
	Method     string
	Command    string
	ExitCode   int
	MD5Sum     string
	FileSize   int64
	ErrMessage string
}

// Transfer moves files into DataDir per the configured policy.
type Transfer struct {
	opts    Options
	myHost  string
	logger  *zap.Logger
	runCmd  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New builds a Transfer engine.
func New(opts Options) *Transfer {
	host, _ := os.Hostname()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MountMangle != "" {
		opts.MountMangle = strings.TrimRight(opts.MountMangle, "/")
	}
	return &Transfer{
		opts:   opts,
		myHost: host,
		logger: logger,
		runCmd: defaultRunCmd,
	}
}

func defaultRunCmd(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// NewPath resolves the destination path for filename given the job, per
// the configured StoreBy policy (none / propid / insname).
func (t *Transfer) NewPath(filename string, j *job.Job) (string, error) {
	switch t.opts.StoreBy {
	case StoreByNone:
		abs, err := filepath.Abs(filepath.Join(t.opts.DataDir, filename))
		return abs, err
	case StoreByPropID:
		if j.PropID == "" {
			return "", &errs.TransferError{Filename: filename, Err: fmt.Errorf("storing by prop-id and propid is empty")}
		}
		return filepath.Abs(filepath.Join(t.opts.DataDir, j.PropID, filename))
	case StoreByInsName:
		if j.InsName == "" {
			return "", &errs.TransferError{Filename: filename, Err: fmt.Errorf("storing by instrument and insname is empty")}
		}
		return filepath.Abs(filepath.Join(t.opts.DataDir, j.InsName, filename))
	default:
		return "", &errs.TransferError{Filename: filename, Err: fmt.Errorf("unknown storeby policy %q", t.opts.StoreBy)}
	}
}

// CheckRename renames newpath to a timestamp-suffixed sibling if a file is
// already there, so the incoming transfer never clobbers existing data.
func (t *Transfer) CheckRename(newpath string) (bool, error) {
	if _, err := os.Stat(newpath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	renamed := newpath + time.Now().Format(".20060102-150405")
	t.logger.Warn("destination exists, renaming", zap.String("path", newpath), zap.String("renamed", renamed))
	if err := os.Rename(newpath, renamed); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyDefaults fills in host/transfermethod/username/direction from sink
// configuration when the job itself didn't specify them, mirroring
// datasink.py's xfer_file.
func (t *Transfer) ApplyDefaults(j *job.Job) {
	if j.Host == "" {
		j.Host = t.opts.DefaultHost
	}
	if j.TransferMethod == "" {
		j.TransferMethod = t.opts.DefaultMethod
	}
	if j.Username == "" {
		j.Username = t.opts.DefaultUser
	}
	if j.Direction == "" {
		direction := t.opts.Direction
		if direction == "" {
			direction = "from"
		}
		j.Direction = direction
	}
}

// Run performs the full transfer-and-postprocess pipeline for j and
// returns the outcome record. A non-nil error means the transfer itself
// failed (integrity or protocol-client failure); post-processing errors
// are logged but do not fail the job, matching datasink.py's behavior of
// ACKing before unpack/move is attempted.
func (t *Transfer) Run(ctx context.Context, j *job.Job) (*Result, error) {
	start := time.Now()
	srcDir, filename := filepath.Split(j.SrcPath)
	_ = srcDir

	newpath, err := t.NewPath(filename, j)
	if err != nil {
		return nil, err
	}
	if _, err := t.CheckRename(newpath); err != nil {
		return nil, &errs.TransferError{Filename: filename, Err: err}
	}

	res := &Result{
		TimeStart: start,
		SrcHost:   j.Host,
		SrcPath:   j.SrcPath,
		DstHost:   t.myHost,
		DstPath:   newpath,
		Method:    j.TransferMethod,
	}

	if err := t.transferFrom(ctx, j, newpath, res); err != nil {
		res.TimeDone = time.Now()
		res.ErrMessage = err.Error()
		metrics.TransfersTotal.WithLabelValues(j.TransferMethod, "error").Inc()
		return res, err
	}

	res.TimeDone = time.Now()
	metrics.TransfersTotal.WithLabelValues(j.TransferMethod, "ok").Inc()
	metrics.TransferDuration.WithLabelValues(j.TransferMethod).Observe(res.TimeDone.Sub(res.TimeStart).Seconds())
	metrics.TransferBytes.WithLabelValues(j.TransferMethod).Observe(float64(res.FileSize))

	if err := t.postProcess(newpath); err != nil {
		t.logger.Error("error unpacking/moving file after transfer", zap.Error(err), zap.String("path", newpath))
	}

	return res, nil
}

func (t *Transfer) transferFrom(ctx context.Context, j *job.Job, newpath string, res *Result) error {
	username := j.Username
	if username == "" {
		username = os.Getenv("LOGNAME")
		if username == "" {
			username = "anonymous"
		}
	}

	var name string
	var args []string

	switch j.TransferMethod {
	case "copy":
		srcpath := j.SrcPath
		if t.opts.MountMangle != "" && strings.HasPrefix(srcpath, t.opts.MountMangle) {
			sfx := strings.TrimPrefix(strings.TrimPrefix(srcpath, t.opts.MountMangle), "/")
			srcpath = filepath.Join(t.opts.MountMangle, sfx)
		}
		res.SrcPath = srcpath
		name, args = "cp", []string{srcpath, newpath}

	case "scp":
		name, args = "scp", []string{fmt.Sprintf("%s@%s:%s", username, j.Host, j.SrcPath), newpath}

	case "ftp", "ftps", "sftp", "http", "https":
		login := fmt.Sprintf("%q", username)
		if j.Password != "" {
			login = fmt.Sprintf("%q,%q", username, j.Password)
		}
		setup := "set xfer:log yes; set net:max-retries 5; set net:reconnect-interval-max 2; set net:reconnect-interval-base 2; set xfer:disk-full-fatal true;"
		switch j.TransferMethod {
		case "ftp":
			setup += " set ftp:use-feat no; set ftp:use-mdtm no;"
		case "ftps":
			setup += " set ftp:use-feat no; set ftp:use-mdtm no; set ftp:ssl-force yes;"
		case "sftp":
			setup += " set ftp:use-feat no; set ftp:ssl-force yes;"
		}
		var addr string
		if j.Port != 0 {
			addr = fmt.Sprintf("%s://%s:%d", j.TransferMethod, j.Host, j.Port)
		} else {
			addr = fmt.Sprintf("%s://%s", j.TransferMethod, j.Host)
		}
		script := fmt.Sprintf("%s get %s -o %s; exit", setup, j.SrcPath, newpath)
		name, args = "lftp", []string{"-e", script, "-u", login, addr}

	default:
		return &errs.TransferError{Filename: filepath.Base(j.SrcPath), Err: fmt.Errorf("don't understand %q as a transfermethod", j.TransferMethod)}
	}

	cmdline := name + " " + strings.Join(args, " ")
	res.Command = cmdline
	t.logger.Info("transfer file", zap.String("method", j.TransferMethod), zap.String("dst", newpath), zap.String("src", j.SrcPath))

	out, err := t.runCmd(ctx, name, args...)
	if err != nil {
		res.ExitCode = -1
		t.logger.Error("transfer command failed", zap.String("cmd", cmdline), zap.ByteString("output", out), zap.Error(err))
		return &errs.TransferError{Filename: filepath.Base(j.SrcPath), Err: err}
	}
	res.ExitCode = 0

	stat, err := os.Stat(newpath)
	if err != nil {
		res.ExitCode = -1
		return &errs.TransferError{Filename: filepath.Base(j.SrcPath), Err: err}
	}
	res.FileSize = stat.Size()

	if j.Size != nil && *j.Size != res.FileSize {
		res.ExitCode = -1
		return &errs.IntegrityError{Filename: filepath.Base(j.SrcPath),
			Msg: fmt.Sprintf("file size (%d) does not match sent size (%d)", res.FileSize, *j.Size)}
	}

	if t.opts.MD5Check {
		sum, err := t.checkMD5Sum(ctx, newpath, j.MD5Sum)
		if err != nil {
			res.ExitCode = -1
			return err
		}
		res.MD5Sum = sum
	}

	return nil
}

// checkMD5Sum computes the MD5 of filepath via the md5sum binary and
// compares it to expected (skipping comparison, with a warning, if
// expected is empty — the upstream sender may have checksum disabled).
func (t *Transfer) checkMD5Sum(ctx context.Context, path, expected string) (string, error) {
	out, err := t.runCmd(ctx, "md5sum", path)
	if err != nil {
		return "", &errs.TransferError{Filename: filepath.Base(path), Err: fmt.Errorf("md5sum: %w", err)}
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", &errs.TransferError{Filename: filepath.Base(path), Err: fmt.Errorf("md5sum: no output")}
	}
	sum := fields[0]

	if expected == "" {
		t.logger.Warn("missing checksum, upstream md5 checksum turned off?", zap.String("path", path))
		return sum, nil
	}
	if sum != expected {
		return "", &errs.IntegrityError{Filename: filepath.Base(path),
			Msg: fmt.Sprintf("md5 checksums don't match recv='%s' sent='%s'", sum, expected)}
	}
	return sum, nil
}

// postProcess unpacks a tar/tgz destination into MoveDir (or alongside it,
// if MoveDir is unset) when UnpackTarfiles is set, or moves it into
// MoveDir otherwise — exactly datasink.py's xfer_file post-transfer step.
func (t *Transfer) postProcess(dstPath string) error {
	dstDir, filename := filepath.Split(dstPath)
	ext := strings.ToLower(filepath.Ext(filename))

	isTarfile := t.opts.UnpackTarfiles && (ext == ".tar" || ext == ".tgz" || strings.HasSuffix(strings.ToLower(filename), ".tar.gz"))

	if isTarfile {
		extractDir := dstDir
		if t.opts.MoveDir != "" {
			extractDir = t.opts.MoveDir
		}
		if err := extractTar(dstPath, extractDir); err != nil {
			return err
		}
		return os.Remove(dstPath)
	}

	if t.opts.MoveDir != "" {
		movePath := filepath.Join(t.opts.MoveDir, filename)
		return os.Rename(dstPath, movePath)
	}

	return nil
}
