package index

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/baby/sf1r-lite/pkg/bundle"
	"github.com/baby/sf1r-lite/pkg/directory"
	"github.com/baby/sf1r-lite/pkg/document"
	"github.com/baby/sf1r-lite/pkg/events"
	"github.com/baby/sf1r-lite/pkg/log"
	"github.com/baby/sf1r-lite/pkg/logforward"
	"github.com/baby/sf1r-lite/pkg/metrics"
	"github.com/baby/sf1r-lite/pkg/storage"
	"github.com/baby/sf1r-lite/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// backupThresholdBytes is the running-total of bundle bytes processed
// since the last backup that triggers the next one (spec.md §4.6).
const backupThresholdBytes = 200 * 1024 * 1024

// FinishedHook is invoked once a build pass completes, with the
// microsecond-scale embedded timestamp of the last bundle file the pass
// processed (the pass's start time if it processed none). Returning
// false aborts the pass (its work is already durable; the hook is a
// downstream veto, not a rollback).
type FinishedHook func(collection string, hookTimestamp int64) bool

// MiningCollaborator is invoked under a merge-pause once indexing
// finishes, to let a collaborator such as the recommend service react
// to newly committed documents.
type MiningCollaborator interface {
	Mine(ctx context.Context) error
}

// MutationForwarder mirrors a committed mutation to the Log-Server
// Forwarder (spec.md C9). Submit must never block the calling build
// pass; the default implementation, logforward.Forwarder, satisfies
// that by queuing.
type MutationForwarder interface {
	Submit(collection string, m *logforward.Mutation)
}

// Worker is the Index Worker for one collection.
type Worker struct {
	CollectionName string

	dirs     *directory.Pair
	liveDir  func() string // the live bundle intake directory, distinct from the data directory pair
	scanner  *bundle.Scanner
	preparer *document.Preparer
	docStore storage.DocumentManager
	idMgr    storage.IdManager
	indexMgr IndexManager

	thresholds Thresholds
	onFinished FinishedHook
	miner      MiningCollaborator
	broker     *events.Broker
	forwarder  MutationForwarder

	mu                sync.Mutex
	bytesSinceBackup  int64

	logger zerolog.Logger
}

// Config configures a new Worker.
type Config struct {
	CollectionName string
	Dirs           *directory.Pair
	LiveDir        func() string
	Preparer       *document.Preparer
	DocStore       storage.DocumentManager
	IdManager      storage.IdManager
	IndexManager   IndexManager
	Thresholds     Thresholds
	OnFinished     FinishedHook
	Miner          MiningCollaborator
	Broker         *events.Broker
	Forwarder      MutationForwarder
}

// NewWorker constructs a Worker from cfg.
func NewWorker(cfg Config) *Worker {
	th := cfg.Thresholds
	if th == (Thresholds{}) {
		th = DefaultThresholds
	}
	return &Worker{
		CollectionName: cfg.CollectionName,
		dirs:           cfg.Dirs,
		liveDir:        cfg.LiveDir,
		scanner:        bundle.NewScanner(),
		preparer:       cfg.Preparer,
		docStore:       cfg.DocStore,
		idMgr:          cfg.IdManager,
		indexMgr:       cfg.IndexManager,
		thresholds:     th,
		onFinished:     cfg.OnFinished,
		miner:          cfg.Miner,
		broker:         cfg.Broker,
		forwarder:      cfg.Forwarder,
		logger:         log.WithComponent("index-worker").With().Str("collection", cfg.CollectionName).Logger(),
	}
}

// RunBuildPass executes one full idle->scanning->dispatching->mining->
// backup?->idle cycle. It is meant to run as a single pkg/jobqueue task
// so passes for a collection never overlap.
func (w *Worker) RunBuildPass(ctx context.Context) error {
	timer := metrics.NewTimer()

	guard, err := directory.AcquireGuard(w.dirs.Current())
	if err != nil {
		return fmt.Errorf("acquire directory guard: %w", err)
	}
	var writeErr error
	defer func() { guard.Release(writeErr) }()

	liveDir := w.liveDir()

	if err := recoverMissedBundles(liveDir, w.dirs.Current(), w.dirs.Next(), w.logger); err != nil {
		w.logger.Warn().Err(err).Msg("bundle recovery step failed, continuing with scan")
	}

	files, err := w.scanner.Scan(liveDir)
	if err != nil {
		return fmt.Errorf("%w: scan aborted pass", err)
	}
	if len(files) == 0 {
		return nil
	}

	totalBytes, docCount := w.estimatePass(files)
	mode := SelectMode(totalBytes, docCount, w.thresholds)

	var processed []bundle.File
	var updated, deleted int
	var passBytes int64
	lastTimestamp := time.Now()

	for _, f := range files {
		if ctx.Err() != nil {
			w.logger.Info().Msg("build pass cancelled, stopping at next file boundary")
			break
		}

		fileUpdated, fileDeleted, err := w.dispatchFile(ctx, f, mode)
		if err != nil {
			w.logger.Error().Str("file", f.Name).Err(err).Msg("file processing aborted")
			metrics.DocumentsFailedTotal.WithLabelValues(w.CollectionName, "file_format").Inc()
			continue
		}

		updated += fileUpdated
		deleted += fileDeleted
		processed = append(processed, f)

		if info, statErr := os.Stat(f.Path); statErr == nil {
			passBytes += info.Size()
		}
		lastTimestamp = f.Timestamp
	}

	if err := w.docStore.Flush(); err != nil {
		writeErr = err
		return fmt.Errorf("flush document store: %w", err)
	}
	if err := w.idMgr.Flush(); err != nil {
		writeErr = err
		return fmt.Errorf("flush id manager: %w", err)
	}

	if mode == ModeBatch {
		if err := w.indexMgr.Commit(); err != nil {
			writeErr = err
			return fmt.Errorf("commit index: %w", err)
		}
	}

	if w.onFinished != nil && !w.onFinished(w.CollectionName, toHookTimestamp(lastTimestamp)) {
		return fmt.Errorf("%w: indexing-finished hook vetoed the pass", types.ErrCancelled)
	}

	if w.miner != nil {
		if err := w.miner.Mine(ctx); err != nil {
			w.logger.Error().Err(err).Msg("mining collaborator failed")
		}
	}

	if len(processed) > 0 {
		if err := w.scanner.Backup(liveDir, processed); err != nil {
			w.logger.Error().Err(err).Msg("failed to back up processed bundle files")
		}
		for _, f := range processed {
			if err := w.dirs.Current().AppendSCD(f.Name); err != nil {
				w.logger.Error().Str("file", f.Name).Err(err).Msg("failed to append scd log")
			}
		}
	}

	w.accumulateBackupBytes(passBytes)
	if err := w.maybeBackup(); err != nil {
		w.logger.Error().Err(err).Msg("backup attempt failed")
	}

	metrics.DocumentsIndexedTotal.WithLabelValues(w.CollectionName, "update").Add(float64(updated))
	metrics.DocumentsIndexedTotal.WithLabelValues(w.CollectionName, "delete").Add(float64(deleted))
	timer.ObserveDurationVec(metrics.BuildPassDuration, w.CollectionName, string(mode))

	if w.broker != nil {
		w.broker.Publish(&events.Event{
			Type:           events.EventBuildCompleted,
			CollectionName: w.CollectionName,
			Message:        fmt.Sprintf("updated=%d deleted=%d mode=%s", updated, deleted, mode),
		})
	}

	return nil
}

// dispatchFile processes a single bundle file per its declared
// operation and returns the number of documents updated (inserted or
// R-type/full updated) and deleted.
func (w *Worker) dispatchFile(ctx context.Context, f bundle.File, mode Mode) (updated, deleted int, err error) {
	switch f.Op {
	case types.BundleInsert:
		return w.dispatchInsert(ctx, f, mode)
	case types.BundleUpdate:
		return w.dispatchUpdate(ctx, f, mode)
	case types.BundleDelete:
		return w.dispatchDelete(ctx, f)
	case types.BundleRebuild:
		// Rebuild bundles are handled by the Rebuild Coordinator, not the
		// incremental build pass; skip without treating it as a failure.
		return 0, 0, nil
	default:
		return 0, 0, fmt.Errorf("%w: unhandled bundle op %q", types.ErrBadFormat, f.Op)
	}
}

func (w *Worker) dispatchInsert(ctx context.Context, f bundle.File, mode Mode) (int, int, error) {
	pf, err := bundle.Parse(f)
	if err != nil {
		return 0, 0, err
	}
	defer pf.Close()
	defer w.indexMgr.ResetPerPropertyCaches()

	count := 0
	for {
		if ctx.Err() != nil {
			break
		}
		rec, err := pf.Next()
		if err != nil {
			return count, 0, err
		}
		if rec == nil {
			break
		}

		result, err := w.preparer.Prepare(rec.ToRawDocument(), true, f.Timestamp)
		if err != nil {
			w.logger.Warn().Str("key", rec.Key).Err(err).Msg("skipping document that failed preparation")
			metrics.DocumentsFailedTotal.WithLabelValues(w.CollectionName, "prepare_insert").Inc()
			continue
		}

		if err := w.docStore.InsertDocument(result.Doc); err != nil {
			w.logger.Warn().Str("key", rec.Key).Err(err).Msg("skipping document that failed to insert")
			metrics.DocumentsFailedTotal.WithLabelValues(w.CollectionName, "store_insert").Inc()
			continue
		}
		if err := w.indexMgr.InsertDoc(result.Doc, w.analyzedTerms(result.Doc)); err != nil {
			w.logger.Warn().Str("key", rec.Key).Err(err).Msg("skipping document that failed to index")
			metrics.DocumentsFailedTotal.WithLabelValues(w.CollectionName, "index_insert").Inc()
			continue
		}
		w.forwardMutation(result.Doc.DocIdStr, "insert", rec)
		if mode == ModeRealtime {
			if err := w.indexMgr.Commit(); err != nil {
				return count, 0, err
			}
		}
		count++
	}
	return count, 0, nil
}

func (w *Worker) dispatchUpdate(ctx context.Context, f bundle.File, mode Mode) (int, int, error) {
	pf, err := bundle.Parse(f)
	if err != nil {
		return 0, 0, err
	}
	defer pf.Close()

	count := 0
	for {
		if ctx.Err() != nil {
			break
		}
		rec, err := pf.Next()
		if err != nil {
			return count, 0, err
		}
		if rec == nil {
			break
		}

		result, err := w.preparer.Prepare(rec.ToRawDocument(), false, f.Timestamp)
		if err != nil {
			w.logger.Warn().Str("key", rec.Key).Err(err).Msg("skipping update that failed preparation")
			metrics.DocumentsFailedTotal.WithLabelValues(w.CollectionName, "prepare_update").Inc()
			continue
		}

		if result.IsRType {
			if err := w.docStore.UpdatePartialDocument(result.Doc.DocId, result.RTypeValues, result.Doc.Summaries); err != nil {
				w.logger.Warn().Str("key", rec.Key).Err(err).Msg("r-type store update failed")
				metrics.DocumentsFailedTotal.WithLabelValues(w.CollectionName, "store_rtype").Inc()
				continue
			}
			if err := w.indexMgr.UpdateRtypeDoc(result.Doc.DocId, result.RTypeValues); err != nil {
				w.logger.Warn().Str("key", rec.Key).Err(err).Msg("r-type index update failed")
				metrics.DocumentsFailedTotal.WithLabelValues(w.CollectionName, "index_rtype").Inc()
				continue
			}
			w.forwardMutation(result.Doc.DocIdStr, "update", rec)
		} else {
			if result.OldDocId != 0 {
				if err := w.docStore.RemoveDocument(result.OldDocId); err != nil {
					w.logger.Warn().Str("key", rec.Key).Err(err).Msg("failed to remove old document")
				}
				if err := w.indexMgr.DeleteDoc(result.OldDocId); err != nil {
					w.logger.Warn().Str("key", rec.Key).Err(err).Msg("failed to remove old index entry")
				}
			}
			if err := w.docStore.InsertDocument(result.Doc); err != nil {
				w.logger.Warn().Str("key", rec.Key).Err(err).Msg("failed to insert updated document")
				metrics.DocumentsFailedTotal.WithLabelValues(w.CollectionName, "store_update").Inc()
				continue
			}
			if err := w.indexMgr.InsertDoc(result.Doc, w.analyzedTerms(result.Doc)); err != nil {
				w.logger.Warn().Str("key", rec.Key).Err(err).Msg("failed to index updated document")
				metrics.DocumentsFailedTotal.WithLabelValues(w.CollectionName, "index_update").Inc()
				continue
			}
			w.forwardMutation(result.Doc.DocIdStr, "update", rec)
		}

		if mode == ModeRealtime {
			if err := w.indexMgr.Commit(); err != nil {
				return count, 0, err
			}
		}
		count++
	}
	return count, 0, nil
}

func (w *Worker) dispatchDelete(ctx context.Context, f bundle.File) (int, int, error) {
	extIds, err := bundle.ParseDeletes(f)
	if err != nil {
		return 0, 0, err
	}

	type resolved struct {
		hash [16]byte
		id   types.DocId
	}
	var docs []resolved
	for _, ext := range extIds {
		hash := storage.ContentHash(ext)
		id, ok, err := w.idMgr.Resolve(hash)
		if err != nil || !ok {
			metrics.DocumentsFailedTotal.WithLabelValues(w.CollectionName, "delete_unresolved").Inc()
			continue
		}
		docs = append(docs, resolved{hash: hash, id: id})
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].id < docs[j].id })

	count := 0
	for _, d := range docs {
		if ctx.Err() != nil {
			break
		}
		if err := w.docStore.RemoveDocument(d.id); err != nil {
			w.logger.Warn().Uint32("docid", uint32(d.id)).Err(err).Msg("failed to remove document for delete")
			continue
		}
		if err := w.indexMgr.DeleteDoc(d.id); err != nil {
			w.logger.Warn().Uint32("docid", uint32(d.id)).Err(err).Msg("failed to remove index entry for delete")
			continue
		}
		if err := w.idMgr.MarkDeleted(d.id); err != nil {
			w.logger.Warn().Uint32("docid", uint32(d.id)).Err(err).Msg("failed to mark docid deleted")
		}
		if w.forwarder != nil {
			w.forwarder.Submit(w.CollectionName, &logforward.Mutation{
				Collection: w.CollectionName,
				DocIdHash:  d.hash,
				Op:         "delete",
			})
		}
		count++
	}
	return 0, count, nil
}

// forwardMutation mirrors one insert/update mutation to the
// Log-Server Forwarder, if one is configured. It never fails the
// calling dispatch path.
func (w *Worker) forwardMutation(docIdStr, op string, rec bundle.Record) {
	if w.forwarder == nil {
		return
	}
	w.forwarder.Submit(w.CollectionName, &logforward.Mutation{
		Collection: w.CollectionName,
		DocIdHash:  storage.ContentHash(docIdStr),
		Op:         op,
		BundleText: bundleText(rec),
	})
}

// bundleText reconstructs a bundle-style textual representation of rec
// for mirroring to the log-server, independent of the original file's
// exact byte layout.
func bundleText(rec bundle.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<DOCID>%s\n", rec.Key)
	for _, f := range rec.Fields {
		fmt.Fprintf(&b, "<%s>%s\n", f.Name, f.Value)
	}
	return b.String()
}

// analyzedTerms tokenizes every analyzed string property of doc.
func (w *Worker) analyzedTerms(doc *types.Document) map[string][]string {
	terms := make(map[string][]string)
	for name, val := range doc.Properties {
		if val.Kind != types.PropertyString {
			continue
		}
		if t := w.preparer.TermsFor(name, val.Str); len(t) > 0 {
			terms[name] = t
		}
	}
	return terms
}

// estimatePass computes total byte size and a document count for mode
// selection: delete bundles are counted by their DOCID lines, other
// bundles by parsing each record; records after a parse error are not
// counted.
func (w *Worker) estimatePass(files []bundle.File) (totalBytes int64, docCount int) {
	for _, f := range files {
		if info, err := os.Stat(f.Path); err == nil {
			totalBytes += info.Size()
		}
		if f.Op == types.BundleDelete {
			ids, err := bundle.ParseDeletes(f)
			if err == nil {
				docCount += len(ids)
			}
			continue
		}
		pf, err := bundle.Parse(f)
		if err != nil {
			continue
		}
		for {
			rec, err := pf.Next()
			if err != nil || rec == nil {
				break
			}
			docCount++
		}
		pf.Close()
	}
	return totalBytes, docCount
}

func (w *Worker) accumulateBackupBytes(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bytesSinceBackup += n
}

// maybeBackup implements spec.md §4.6's backup decision: once
// accumulated bytes exceed the threshold and next differs from
// current, force-commit the index and copy current into next.
func (w *Worker) maybeBackup() error {
	w.mu.Lock()
	due := w.bytesSinceBackup > backupThresholdBytes
	accumulated := w.bytesSinceBackup
	w.mu.Unlock()

	if !due || w.dirs.Next() == nil || w.dirs.Next().Name() == w.dirs.Current().Name() {
		return nil
	}

	w.logger.Info().Str("accumulated", humanize.IBytes(uint64(accumulated))).Msg("backup threshold exceeded, forcing commit and copy")

	if err := w.indexMgr.Commit(); err != nil {
		return fmt.Errorf("force-commit before backup: %w", err)
	}
	if err := w.dirs.Backup(); err != nil {
		return fmt.Errorf("backup copy: %w", err)
	}

	w.mu.Lock()
	w.bytesSinceBackup = 0
	w.mu.Unlock()

	metrics.BackupTriggeredTotal.WithLabelValues(w.CollectionName).Inc()
	if w.broker != nil {
		w.broker.Publish(&events.Event{Type: events.EventBackupTriggered, CollectionName: w.CollectionName})
	}
	return nil
}
