package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/baby/sf1r-lite/pkg/log"
	"github.com/baby/sf1r-lite/pkg/types"
	"github.com/rs/zerolog"
)

const backupDirName = "backup"

// Scanner discovers and orders bundle files in a directory, and backs
// them up once a build pass has absorbed them.
type Scanner struct {
	logger zerolog.Logger
}

// NewScanner constructs a Scanner.
func NewScanner() *Scanner {
	return &Scanner{logger: log.WithComponent("bundle-scanner")}
}

// Scan lists the regular files in dir matching the bundle format,
// ordered by the canonical filename comparator (lexicographic on the
// fixed-width name, which sorts chronologically by construction).
// Files failing the format check are logged and skipped.
func (s *Scanner) Scan(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", types.ErrFilesystemError, dir, err)
	}

	var files []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, err := ParseFilename(filepath.Join(dir, e.Name()), e.Name())
		if err != nil {
			s.logger.Warn().Str("file", e.Name()).Err(err).Msg("skipping malformed bundle file")
			continue
		}
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Backup atomically renames each scanned file into a sibling backup/
// directory. Rename failures are logged per-file and do not abort the
// pass.
func (s *Scanner) Backup(dir string, files []File) error {
	backupDir := filepath.Join(dir, backupDirName)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return fmt.Errorf("%w: create backup dir: %v", types.ErrFilesystemError, err)
	}

	for _, f := range files {
		dst := filepath.Join(backupDir, f.Name)
		if err := os.Rename(f.Path, dst); err != nil {
			s.logger.Error().Str("file", f.Name).Err(err).Msg("failed to back up bundle file")
			continue
		}
	}
	return nil
}
