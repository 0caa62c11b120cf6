package index

import (
	"os"
	"path/filepath"

	"github.com/baby/sf1r-lite/pkg/directory"
	"github.com/rs/zerolog"
)

// recoverMissedBundles implements spec.md §4.6's recovery step: any
// file recorded in current's append-log but present only in next's
// backup/ directory (meaning a prior pass backed it up without this
// directory having actually absorbed it) is moved back into the live
// bundle directory before scanning resumes.
func recoverMissedBundles(liveDir string, current, next *directory.Dir, logger zerolog.Logger) error {
	absorbed, err := current.AbsorbedFiles()
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	absorbedSet := make(map[string]bool, len(absorbed))
	for _, name := range absorbed {
		absorbedSet[name] = true
	}

	nextBackupDir := filepath.Join(next.Path(), "backup")
	entries, err := os.ReadDir(nextBackupDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir() || !absorbedSet[e.Name()] {
			continue
		}
		livePath := filepath.Join(liveDir, e.Name())
		if _, err := os.Stat(livePath); err == nil {
			continue // already present live, nothing to recover
		}
		src := filepath.Join(nextBackupDir, e.Name())
		if err := os.Rename(src, livePath); err != nil {
			logger.Error().Str("file", e.Name()).Err(err).Msg("failed to recover missed bundle")
			continue
		}
		logger.Info().Str("file", e.Name()).Msg("recovered missed bundle from backup")
	}
	return nil
}
