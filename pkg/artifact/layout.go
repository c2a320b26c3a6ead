// Package artifact owns the on-disk layout of built generations: the model
// checkpoint, similarity index and metadata database that must always be
// read and replaced together.
//
//	<data>/CURRENT                      name of the live generation
//	<data>/build.lock                   held while a build runs
//	<data>/generations/<run>.staging/   a build in progress
//	<data>/generations/<run>/           a committed generation
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// File and directory names inside the data directory
const (
	CurrentFile    = "CURRENT"
	LockFile       = "build.lock"
	GenerationsDir = "generations"
	CacheDir       = "cache"
	StagingSuffix  = ".staging"

	ModelFile = "model.ckpt"
	IndexFile = "index.bin"
	MetaFile  = "meta.duckdb"
	ImagesDir = "images"
)

var (
	// ErrNoGeneration means no build has been committed yet.
	ErrNoGeneration = errors.New("no committed generation")
	// ErrBuildInProgress means a live build holds the build lock.
	ErrBuildInProgress = errors.New("build already in progress")
)

// Paths locates the files of one generation.
type Paths struct {
	Dir    string `json:"dir"`
	Model  string `json:"model_path"`
	Index  string `json:"index_path"`
	Meta   string `json:"meta_path"`
	Images string `json:"images_dir"`
}

func pathsFor(dir string) Paths {
	return Paths{
		Dir:    dir,
		Model:  filepath.Join(dir, ModelFile),
		Index:  filepath.Join(dir, IndexFile),
		Meta:   filepath.Join(dir, MetaFile),
		Images: filepath.Join(dir, ImagesDir),
	}
}

// Presence reports which of the three artifacts exist.
type Presence struct {
	Model bool `json:"model_exists"`
	Index bool `json:"index_exists"`
	Meta  bool `json:"meta_exists"`
}

// Complete reports whether all three artifacts exist.
func (p Presence) Complete() bool {
	return p.Model && p.Index && p.Meta
}

// Check stats the artifact files.
func (p Paths) Check() Presence {
	return Presence{
		Model: fileExists(p.Model),
		Index: fileExists(p.Index),
		Meta:  fileExists(p.Meta),
	}
}

// Resolve turns a path stored relative to the generation into an absolute one.
func (p Paths) Resolve(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.Dir, rel)
}

// Layout addresses a data directory.
type Layout struct {
	dataDir string
}

// NewLayout creates a layout rooted at dataDir.
func NewLayout(dataDir string) *Layout {
	return &Layout{dataDir: dataDir}
}

// DataDir returns the root directory.
func (l *Layout) DataDir() string { return l.dataDir }

// CacheDir is where downloaded bars and fundamentals are cached across builds.
func (l *Layout) CacheDir() string { return filepath.Join(l.dataDir, CacheDir) }

// Generation returns the paths of a committed generation.
func (l *Layout) Generation(name string) Paths {
	return pathsFor(filepath.Join(l.dataDir, GenerationsDir, name))
}

// Staging returns the paths a build writes into before commit.
func (l *Layout) Staging(runID string) Paths {
	return pathsFor(filepath.Join(l.dataDir, GenerationsDir, runID+StagingSuffix))
}

// Current returns the live generation name, or ErrNoGeneration.
func (l *Layout) Current() (string, error) {
	data, err := os.ReadFile(filepath.Join(l.dataDir, CurrentFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoGeneration
		}
		return "", fmt.Errorf("failed to read %s: %w", CurrentFile, err)
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", ErrNoGeneration
	}
	return name, nil
}

// Lock takes the exclusive build lock. The returned func releases it. A lock
// whose recorded process is gone is cleared first, together with that run's
// staging directory.
func (l *Layout) Lock(runID string) (func() error, error) {
	if err := os.MkdirAll(l.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	path := l.lockPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) && l.clearStaleLock() {
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	}
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrBuildInProgress
		}
		return nil, fmt.Errorf("failed to create build lock: %w", err)
	}
	fmt.Fprintf(f, "%s %d %s\n", runID, os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write build lock: %w", err)
	}
	return func() error { return os.Remove(path) }, nil
}

// Locked reports whether a live build currently holds the lock.
func (l *Layout) Locked() bool {
	holder, err := l.readLock()
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err != nil {
		return true
	}
	return processAlive(holder.pid)
}

func (l *Layout) lockPath() string {
	return filepath.Join(l.dataDir, LockFile)
}

type lockHolder struct {
	runID string
	pid   int
}

func (l *Layout) readLock() (lockHolder, error) {
	data, err := os.ReadFile(l.lockPath())
	if err != nil {
		return lockHolder{}, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return lockHolder{}, fmt.Errorf("malformed build lock %q", strings.TrimSpace(string(data)))
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return lockHolder{}, fmt.Errorf("malformed build lock pid %q", fields[1])
	}
	return lockHolder{runID: fields[0], pid: pid}, nil
}

// clearStaleLock removes a lock left by a dead process and reports whether
// it did. Unreadable locks are never cleared.
func (l *Layout) clearStaleLock() bool {
	holder, err := l.readLock()
	if err != nil || processAlive(holder.pid) {
		return false
	}
	if err := os.Remove(l.lockPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false
	}
	l.Abort(holder.runID)
	return true
}

func processAlive(pid int) bool {
	if pid <= 0 || pid == os.Getpid() {
		return true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Commit publishes a staged build: the staging directory is renamed into
// place, then CURRENT is replaced atomically. It returns the new paths and
// the name of the generation that was live before, if any.
func (l *Layout) Commit(runID string) (Paths, string, error) {
	staged := l.Staging(runID)
	final := l.Generation(runID)

	previous, err := l.Current()
	if err != nil && !errors.Is(err, ErrNoGeneration) {
		return Paths{}, "", err
	}

	if err := os.Rename(staged.Dir, final.Dir); err != nil {
		return Paths{}, "", fmt.Errorf("failed to publish generation: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(l.dataDir, CurrentFile), []byte(runID+"\n")); err != nil {
		os.Rename(final.Dir, staged.Dir)
		return Paths{}, "", fmt.Errorf("failed to switch %s: %w", CurrentFile, err)
	}
	return final, previous, nil
}

// Remove deletes a committed generation.
func (l *Layout) Remove(name string) error {
	if name == "" {
		return nil
	}
	return os.RemoveAll(l.Generation(name).Dir)
}

// Abort removes a build's staging directory.
func (l *Layout) Abort(runID string) error {
	return os.RemoveAll(l.Staging(runID).Dir)
}

// writeFileAtomic writes to a temp file in the same directory and renames it.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
