package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"chanfs/internal/backend"
	"chanfs/internal/broker"
	"chanfs/internal/chanfs"
	"chanfs/internal/chat"
	"chanfs/internal/config"
	"chanfs/internal/fs"
	"chanfs/internal/ratelimit"
	"chanfs/internal/task"
	"chanfs/internal/transfer"
)

// Options tunes how an App reports what it does.
type Options struct {
	// Echo receives a copy of every log line. Nil keeps logs in the file only.
	Echo io.Writer

	// Progress is called with a snapshot of a task each time it advances.
	Progress func(task.Task)
}

// App is the application layer between the CLI and the chanfs service.
// It constructs all dependencies from config, exposes operations that
// accept raw paths, and releases backend resources on Close.
type App struct {
	cfg        *config.Config
	dispatcher *ratelimit.Dispatcher
	closers    []io.Closer
	service    *chanfs.Service
	tracker    *task.Tracker
	logger     chat.Logger
	logFile    *os.File
	progress   func(task.Task)
}

// New creates a fully wired App from cfg. operation names the command
// being run and tags every log line. The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, operation string, opts Options) (*App, error) {
	opID := operation + "-" + time.Now().UTC().Format("20060102T150405Z")
	l, logFile, err := newLogger(cfg.LogDir, opID, opts.Echo)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &App{
		cfg:        cfg,
		dispatcher: ratelimit.NewDispatcher(cfg.RateLimit.Interval()),
		tracker:    task.NewTracker(nil),
		logger:     &slogAdapter{l: l},
		logFile:    logFile,
		progress:   opts.Progress,
	}

	primary, err := a.connect(ctx, cfg.Backend)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating backend: %w", err)
	}

	var large chat.Backend
	if cfg.LargeBackend != nil {
		if large, err = a.connect(ctx, *cfg.LargeBackend); err != nil {
			a.Close()
			return nil, fmt.Errorf("creating large payload backend: %w", err)
		}
	}

	bigWorkers, smallWorkers := cfg.Transfer.Workers()
	engine := transfer.NewEngine(primary, transfer.Options{
		BigFileWorkers:   bigWorkers,
		SmallFileWorkers: smallWorkers,
		DownloadChunkKB:  cfg.Transfer.ChunkKB(),
		FinalizeDelay:    cfg.Transfer.FinalizeDelay(),
		RetryDelay:       cfg.Transfer.RetryDelay(),
		Large:            large,
		Logger:           a.logger,
	})

	svc, err := chanfs.Open(ctx, primary, engine, chanfs.Options{
		Getter: broker.New(primary, cfg.Broker.Window(), a.logger),
		Logger: a.logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening filesystem: %w", err)
	}
	a.service = svc
	return a, nil
}

// connect builds a backend from cfg and wraps it so that every call goes
// through the shared rate limiter and flood waits are retried.
func (a *App) connect(ctx context.Context, cfg config.BackendConfig) (chat.Backend, error) {
	b, err := backend.NewBackendFromConfig(ctx, cfg, a.cfg.AccountID)
	if err != nil {
		return nil, err
	}
	if c, ok := b.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	limited := ratelimit.NewLimitedBackend(b, a.dispatcher)
	return ratelimit.NewFloodWaitRetry(limited, ratelimit.DefaultFloodAttempts, a.logger), nil
}

// Close stops the rate limiter and closes every backend and the log file.
func (a *App) Close() error {
	var errs []error
	a.dispatcher.Close()
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing backend: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}

// Tasks returns every transfer started by this App.
func (a *App) Tasks() []task.Task { return a.tracker.List() }

// Summary describes the outcome of the transfers started by this App.
func (a *App) Summary() string { return a.tracker.Summary() }

// List returns the listing of the remote path p.
func (a *App) List(ctx context.Context, p string) (*chanfs.Listing, error) {
	return a.service.List(ctx, p)
}

// Versions returns the descriptor of the remote file p, oldest version first.
func (a *App) Versions(ctx context.Context, p string) (*chanfs.File, error) {
	return a.service.Versions(ctx, p)
}

// Mkdir creates the remote directory p.
func (a *App) Mkdir(ctx context.Context, p string, parents bool) error {
	return a.service.CreateDirectory(ctx, p, parents)
}

// Rmdir removes the remote directory p.
func (a *App) Rmdir(ctx context.Context, p string, recursive bool) error {
	return a.service.RemoveDirectory(ctx, p, recursive)
}

// Copy copies the remote file or directory src to dst.
func (a *App) Copy(ctx context.Context, src, dst string) error {
	return a.service.Copy(ctx, src, dst)
}

// Move moves the remote file or directory src to dst.
func (a *App) Move(ctx context.Context, src, dst string) error {
	return a.service.Move(ctx, src, dst)
}

// Remove removes the remote file p, or only its version versionID.
func (a *App) Remove(ctx context.Context, p, versionID string) error {
	return a.service.Remove(ctx, p, versionID)
}

// PutFile uploads the local file localPath to remote. When remote is an
// existing directory the file keeps its local name inside it.
func (a *App) PutFile(ctx context.Context, localPath, remote, versionID string) (*chanfs.File, error) {
	src, err := transfer.NewPathSource(localPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := a.remoteTarget(ctx, remote, filepath.Base(localPath))
	if err != nil {
		return nil, err
	}
	return a.upload(ctx, dst, src, versionID)
}

// PutStream uploads exactly size bytes read from r to remote.
func (a *App) PutStream(ctx context.Context, r io.Reader, size int64, remote, versionID string) (*chanfs.File, error) {
	src := transfer.NewReaderSource(r, size)
	defer src.Close()
	return a.upload(ctx, remote, src, versionID)
}

// PutTree uploads every file under the local directory localDir into the
// remote directory remote, creating directories as needed. Ignored files
// are skipped. It stops at the first failure and returns the number of
// files uploaded so far.
func (a *App) PutTree(ctx context.Context, localDir, remote string) (int, error) {
	ignore, err := fs.LoadIgnoreMatcher(localDir, a.cfg.Filesystem.Ignore)
	if err != nil {
		return 0, err
	}
	local, err := fs.Walk(localDir, ignore)
	if err != nil {
		return 0, err
	}

	if err := a.service.CreateDirectory(ctx, remote, true); err != nil {
		return 0, err
	}
	for _, dir := range local.Dirs {
		if err := a.service.CreateDirectory(ctx, path.Join(remote, dir), true); err != nil {
			return 0, err
		}
	}

	a.logger.Info("uploading tree", "local", local.Root, "remote", remote, "files", len(local.Files), "bytes", local.TotalSize())
	for i, f := range local.Files {
		src, err := transfer.NewPathSource(f.Path)
		if err != nil {
			return i, fmt.Errorf("opening %s: %w", f.Path, err)
		}
		_, err = a.upload(ctx, path.Join(remote, f.Rel), src, "")
		src.Close()
		if err != nil {
			return i, err
		}
	}
	return len(local.Files), nil
}

// Get writes a version of the remote file p to w, the latest when
// versionID is empty. It returns the version written.
func (a *App) Get(ctx context.Context, p, versionID string, w io.Writer) (*chanfs.FileVersion, error) {
	chunks, v, err := a.service.DownloadPath(ctx, p, versionID)
	if err != nil {
		return nil, err
	}

	id := a.tracker.Begin("download", p, max(v.Size, 0))
	r := transfer.NewReader(chunks)
	defer r.Close()

	if _, err := io.Copy(&progressWriter{w: w, report: a.reporter(id), total: max(v.Size, 0)}, r); err != nil {
		a.tracker.Fail(id, err)
		return nil, fmt.Errorf("downloading %s: %w", p, err)
	}
	a.tracker.Complete(id)
	a.notify(id)
	return v, nil
}

func (a *App) upload(ctx context.Context, p string, src transfer.Source, versionID string) (*chanfs.File, error) {
	id := a.tracker.Begin("upload", p, src.Size())
	f, err := a.service.Upload(ctx, p, src, chanfs.UploadOptions{
		VersionID: versionID,
		Progress:  a.reporter(id),
	})
	if err != nil {
		a.tracker.Fail(id, err)
		a.notify(id)
		return nil, err
	}
	a.tracker.Complete(id)
	a.notify(id)
	return f, nil
}

// remoteTarget places name inside remote when remote is a directory.
func (a *App) remoteTarget(ctx context.Context, remote, name string) (string, error) {
	l, err := a.service.List(ctx, remote)
	switch {
	case errors.Is(err, chanfs.ErrPathNotFound):
		return remote, nil
	case err != nil:
		return "", err
	case l.IsDir():
		return path.Join(remote, name), nil
	default:
		return remote, nil
	}
}

func (a *App) reporter(id int64) func(sent, total int64) {
	report := a.tracker.Reporter(id)
	return func(sent, total int64) {
		report(sent, total)
		a.notify(id)
	}
}

func (a *App) notify(id int64) {
	if a.progress == nil {
		return
	}
	if t, ok := a.tracker.Get(id); ok {
		a.progress(t)
	}
}

// progressWriter reports the bytes written through it.
type progressWriter struct {
	w      io.Writer
	report func(sent, total int64)
	sent   int64
	total  int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.sent += int64(n)
	p.report(p.sent, p.total)
	return n, err
}
