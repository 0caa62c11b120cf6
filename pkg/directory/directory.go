// Package directory implements the on-disk directory pair (spec.md
// C2): two named roots, one current and one next, with validity marks,
// an append-only log of absorbed bundle filenames, and a guard that
// write paths must hold for their full duration.
package directory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/baby/sf1r-lite/pkg/log"
	"github.com/baby/sf1r-lite/pkg/types"
	"github.com/rs/zerolog"
)

const (
	validFileName  = ".valid"
	scdLogFileName = ".scdlog"
)

// Dir is one named on-disk root, either the live current data or a
// prepared next target.
type Dir struct {
	path       string
	name       string
	parentName string

	mu sync.Mutex
}

// NewDir opens (without creating) a directory handle rooted at path.
// name is the directory's logical name; parentName records which
// sibling it was last copied from, the empty string if never copied.
func NewDir(path, name, parentName string) *Dir {
	return &Dir{path: path, name: name, parentName: parentName}
}

// Path returns the directory's filesystem root.
func (d *Dir) Path() string { return d.path }

// Name returns the directory's logical name.
func (d *Dir) Name() string { return d.name }

// ParentName returns the name of the sibling this directory was last
// copied from, or "" if it has never been copied into.
func (d *Dir) ParentName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parentName
}

func (d *Dir) markerPath() string { return filepath.Join(d.path, validFileName) }

// Valid reports whether the directory carries a validity marker.
func (d *Dir) Valid() bool {
	_, err := os.Stat(d.markerPath())
	return err == nil
}

func (d *Dir) setValid(valid bool) error {
	if valid {
		f, err := os.Create(d.markerPath())
		if err != nil {
			return fmt.Errorf("%w: mark valid: %v", types.ErrFilesystemError, err)
		}
		return f.Close()
	}
	err := os.Remove(d.markerPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: mark invalid: %v", types.ErrFilesystemError, err)
	}
	return nil
}

// MarkDirty invalidates the directory, causing any future Guard
// acquisition to fail until it is made valid again.
func (d *Dir) MarkDirty() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setValid(false)
}

// Bootstrap creates the directory's filesystem root if needed and
// marks it valid, for a collection's very first startup where neither
// directory has ever been a copy of the other.
func (d *Dir) Bootstrap() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return fmt.Errorf("%w: bootstrap directory: %v", types.ErrFilesystemError, err)
	}
	return d.setValid(true)
}

// CopyFrom recursively copies other's contents into d, then records
// other's name as d's parent and marks d valid. On any filesystem
// error the error is returned and d is left marked invalid with its
// parent name unchanged; files copied before the error remain in d.
func (d *Dir) CopyFrom(other *Dir) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return fmt.Errorf("%w: prepare copy target: %v", types.ErrFilesystemError, err)
	}
	if err := d.setValid(false); err != nil {
		return err
	}

	err := filepath.WalkDir(other.path, func(srcPath string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(other.path, srcPath)
		if err != nil {
			return err
		}
		if rel == "." || rel == validFileName {
			// d's own marker is written only once the whole copy succeeds.
			return nil
		}
		dstPath := filepath.Join(d.path, rel)
		if entry.IsDir() {
			return os.MkdirAll(dstPath, 0o755)
		}
		return copyFile(srcPath, dstPath)
	})
	if err != nil {
		return fmt.Errorf("%w: copy %s to %s: %v", types.ErrFilesystemError, other.path, d.path, err)
	}

	d.parentName = other.name
	return d.setValid(true)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// AppendSCD records that a bundle filename's mutations have been
// durably absorbed into this directory.
func (d *Dir) AppendSCD(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.scdLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: append scd log: %v", types.ErrFilesystemError, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, name); err != nil {
		return fmt.Errorf("%w: append scd log: %v", types.ErrFilesystemError, err)
	}
	return nil
}

// ScdLogPath returns the path of the append-SCD log file.
func (d *Dir) ScdLogPath() string { return filepath.Join(d.path, scdLogFileName) }

func (d *Dir) scdLogPath() string { return d.ScdLogPath() }

// AbsorbedFiles returns every filename recorded by AppendSCD, in the
// order they were appended.
func (d *Dir) AbsorbedFiles() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.Open(d.scdLogPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read scd log: %v", types.ErrFilesystemError, err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			names = append(names, line)
		}
	}
	return names, scanner.Err()
}

// ErrDirty is returned by Guard when the target directory is marked
// dirty (invalid) at acquisition time.
var ErrDirty = types.ErrDirectoryDirty

// Guard is held by a write path for its full duration. Acquiring a
// guard on a dirty directory fails immediately; releasing a guard on
// the clean path never alters validity. Releasing it with a non-nil
// error marks the guarded directory dirty, so subsequent acquisitions
// fail until an external reset (spec.md §8).
type Guard struct {
	dir    *Dir
	logger zerolog.Logger
}

// AcquireGuard acquires a write guard on dir. It fails if dir is not
// currently valid.
func AcquireGuard(dir *Dir) (*Guard, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("%w: directory %q is dirty", ErrDirty, dir.Name())
	}
	return &Guard{dir: dir, logger: log.WithComponent("directory")}, nil
}

// Release drops the guard. Pass the write path's own error, if any: a
// non-nil err marks the directory dirty; a nil err leaves validity
// untouched.
func (g *Guard) Release(err error) {
	if err == nil {
		g.logger.Debug().Str("directory", g.dir.Name()).Msg("guard released")
		return
	}
	g.logger.Warn().Str("directory", g.dir.Name()).Err(err).Msg("guard released after write failure, marking directory dirty")
	if dirtyErr := g.dir.MarkDirty(); dirtyErr != nil {
		g.logger.Error().Str("directory", g.dir.Name()).Err(dirtyErr).Msg("failed to mark directory dirty")
	}
}

// Pair owns the two directories a collection rotates between.
type Pair struct {
	mu      sync.Mutex
	current *Dir
	next    *Dir
}

// NewPair constructs a directory pair from two already-opened
// directory handles.
func NewPair(current, next *Dir) *Pair {
	return &Pair{current: current, next: next}
}

// Current returns the live directory.
func (p *Pair) Current() *Dir {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Next returns the prepared target directory.
func (p *Pair) Next() *Dir {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// Backup implements the backup protocol (spec.md §4.2): if next is not
// already a valid copy of current, copy current into next; a
// subsequent Rotate swaps their roles.
func (p *Pair) Backup() error {
	p.mu.Lock()
	current, next := p.current, p.next
	p.mu.Unlock()

	if next == nil || next.Name() == current.Name() {
		return nil
	}
	if next.Valid() && next.ParentName() == current.Name() {
		return nil
	}
	return next.CopyFrom(current)
}

// Rotate swaps the roles of current and next.
func (p *Pair) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current, p.next = p.next, p.current
}
