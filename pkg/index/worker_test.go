package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/baby/sf1r-lite/pkg/directory"
	"github.com/baby/sf1r-lite/pkg/document"
	"github.com/baby/sf1r-lite/pkg/storage"
	"github.com/baby/sf1r-lite/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *types.Schema {
	s := &types.Schema{
		CollectionName: "products",
		Properties: []*types.PropertyDef{
			{Name: "title", Type: types.PropertyString, IsIndex: true, IsAnalyzed: true},
			{Name: "category", Type: types.PropertyString, IsIndex: true, IsFilter: true},
			{Name: "price", Type: types.PropertyFloat, IsIndex: true, IsFilter: true},
			{Name: "DATE", Type: types.PropertyDate},
		},
	}
	s.Compile()
	return s
}

type testRig struct {
	worker   *Worker
	docStore *storage.BoltDocumentStore
	idMgr    *storage.BoltIdManager
	indexMgr *FakeIndexManager
	liveDir  string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	dataDir := t.TempDir()
	liveDir := t.TempDir()
	currentDir := t.TempDir()
	nextDir := t.TempDir()

	docStore, err := storage.NewBoltDocumentStore(dataDir)
	require.NoError(t, err)
	idMgr, err := storage.NewBoltIdManager(dataDir)
	require.NoError(t, err)

	schema := testSchema()
	preparer := document.New(schema, idMgr, docStore, nil, "")
	indexMgr := NewFakeIndexManager()

	current := directory.NewDir(currentDir, "d0", "")
	require.NoError(t, os.WriteFile(filepath.Join(currentDir, ".valid"), nil, 0o644))
	next := directory.NewDir(nextDir, "d1", "")
	pair := directory.NewPair(current, next)

	w := NewWorker(Config{
		CollectionName: "products",
		Dirs:           pair,
		LiveDir:        func() string { return liveDir },
		Preparer:       preparer,
		DocStore:       docStore,
		IdManager:      idMgr,
		IndexManager:   indexMgr,
	})

	return &testRig{worker: w, docStore: docStore, idMgr: idMgr, indexMgr: indexMgr, liveDir: liveDir}
}

func writeBundleFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestRunBuildPassInsertsDocuments(t *testing.T) {
	rig := newTestRig(t)
	body := "<DOCID>doc-1\n<title>Widget\n<category>tools\n<price>9.99\n" +
		"<DOCID>doc-2\n<title>Gadget\n<category>tools\n<price>19.99\n"
	writeBundleFile(t, rig.liveDir, "B-01-202601151230-00000-I-products.SCD", body)

	err := rig.worker.RunBuildPass(context.Background())
	require.NoError(t, err)

	assert.Len(t, rig.indexMgr.Docs, 2)

	maxId, err := rig.docStore.GetMaxDocId()
	require.NoError(t, err)
	assert.EqualValues(t, 2, maxId)

	_, err = os.Stat(filepath.Join(rig.liveDir, "backup", "B-01-202601151230-00000-I-products.SCD"))
	assert.NoError(t, err, "processed bundle should be moved into backup/")

	absorbed, err := rig.worker.dirs.Current().AbsorbedFiles()
	require.NoError(t, err)
	assert.Contains(t, absorbed, "B-01-202601151230-00000-I-products.SCD")
}

func TestRunBuildPassRTypeUpdateReusesDocId(t *testing.T) {
	rig := newTestRig(t)

	insertBody := "<DOCID>doc-1\n<title>Widget\n<category>tools\n<price>9.99\n"
	writeBundleFile(t, rig.liveDir, "B-01-202601151230-00000-I-products.SCD", insertBody)
	require.NoError(t, rig.worker.RunBuildPass(context.Background()))

	hash := storage.ContentHash("doc-1")
	docId, ok, err := rig.idMgr.Resolve(hash)
	require.NoError(t, err)
	require.True(t, ok)

	updateBody := "<DOCID>doc-1\n<category>hardware\n<price>11.99\n"
	writeBundleFile(t, rig.liveDir, "B-02-202601151231-00000-U-products.SCD", updateBody)
	require.NoError(t, rig.worker.RunBuildPass(context.Background()))

	resolved, ok, err := rig.idMgr.Resolve(hash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, docId, resolved, "an r-type-eligible update must reuse the docid")

	doc, ok := rig.indexMgr.Docs[docId]
	require.True(t, ok)
	assert.Equal(t, "hardware", doc.GetString("category"))
	assert.Equal(t, "Widget", doc.GetString("title"), "unchanged title survives the r-type rewrite")
}

func TestRunBuildPassNonRTypeUpdateAssignsNewDocId(t *testing.T) {
	rig := newTestRig(t)

	insertBody := "<DOCID>doc-1\n<title>Widget\n<category>tools\n<price>9.99\n"
	writeBundleFile(t, rig.liveDir, "B-01-202601151230-00000-I-products.SCD", insertBody)
	require.NoError(t, rig.worker.RunBuildPass(context.Background()))

	hash := storage.ContentHash("doc-1")
	oldDocId, _, err := rig.idMgr.Resolve(hash)
	require.NoError(t, err)

	updateBody := "<DOCID>doc-1\n<title>Widget Pro\n"
	writeBundleFile(t, rig.liveDir, "B-02-202601151231-00000-U-products.SCD", updateBody)
	require.NoError(t, rig.worker.RunBuildPass(context.Background()))

	newDocId, ok, err := rig.idMgr.Resolve(hash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, oldDocId, newDocId, "an analyzed-property change forces a full reindex")

	_, stillPresent := rig.indexMgr.Docs[oldDocId]
	assert.False(t, stillPresent, "old docid must be removed from the index")

	doc, ok := rig.indexMgr.Docs[newDocId]
	require.True(t, ok)
	assert.Equal(t, "Widget Pro", doc.GetString("title"))
	assert.Equal(t, "tools", doc.GetString("category"), "overlay keeps unrelated old property")
}

func TestRunBuildPassDeleteRemovesDocument(t *testing.T) {
	rig := newTestRig(t)

	insertBody := "<DOCID>doc-1\n<title>Widget\n<category>tools\n<price>9.99\n" +
		"<DOCID>doc-2\n<title>Gadget\n<category>tools\n<price>19.99\n"
	writeBundleFile(t, rig.liveDir, "B-01-202601151230-00000-I-products.SCD", insertBody)
	require.NoError(t, rig.worker.RunBuildPass(context.Background()))
	require.Len(t, rig.indexMgr.Docs, 2)

	deleteBody := "<DOCID>doc-1\n"
	writeBundleFile(t, rig.liveDir, "B-02-202601151231-00000-D-products.SCD", deleteBody)
	require.NoError(t, rig.worker.RunBuildPass(context.Background()))

	assert.Len(t, rig.indexMgr.Docs, 1)

	hash := storage.ContentHash("doc-1")
	_, ok, err := rig.idMgr.Resolve(hash)
	require.NoError(t, err)
	assert.False(t, ok, "deleted docid must no longer resolve")
}

func TestRunBuildPassDeleteNonexistentIsHarmless(t *testing.T) {
	rig := newTestRig(t)
	deleteBody := "<DOCID>never-existed\n"
	writeBundleFile(t, rig.liveDir, "B-01-202601151230-00000-D-products.SCD", deleteBody)

	err := rig.worker.RunBuildPass(context.Background())
	require.NoError(t, err)
	assert.Len(t, rig.indexMgr.Docs, 0)
}

func TestRunBuildPassCommitFailureMarksDirectoryDirty(t *testing.T) {
	rig := newTestRig(t)
	rig.indexMgr.FailNextCommit = true

	body := "<DOCID>doc-1\n<title>" + strings.Repeat("x", 4096) + "\n<category>tools\n<price>9.99\n"
	writeBundleFile(t, rig.liveDir, "B-01-202601151230-00000-I-products.SCD", body)

	assert.True(t, rig.worker.dirs.Current().Valid())

	err := rig.worker.RunBuildPass(context.Background())
	require.Error(t, err)

	assert.False(t, rig.worker.dirs.Current().Valid(), "a failed index commit should mark the guarded directory dirty")
}

func TestRunBuildPassSkipsMalformedFileWithoutAbortingOthers(t *testing.T) {
	rig := newTestRig(t)
	writeBundleFile(t, rig.liveDir, "not-a-bundle.txt", "garbage")
	writeBundleFile(t, rig.liveDir, "B-01-202601151230-00000-I-products.SCD", "<DOCID>doc-1\n<title>Widget\n")

	err := rig.worker.RunBuildPass(context.Background())
	require.NoError(t, err)
	assert.Len(t, rig.indexMgr.Docs, 1)
}

func TestRunBuildPassCancellationStopsBeforeLaterFiles(t *testing.T) {
	rig := newTestRig(t)

	for i := 1; i <= 3; i++ {
		body := fmt.Sprintf("<DOCID>doc-%d\n<title>Item %d\n", i, i)
		name := fmt.Sprintf("B-%02d-20260115123%d-00000-I-products.SCD", i, i)
		writeBundleFile(t, rig.liveDir, name, body)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rig.worker.RunBuildPass(ctx)
	require.NoError(t, err)
	assert.Empty(t, rig.indexMgr.Docs, "an already-cancelled context should process no files")
}

func TestMaybeBackupCopiesWhenThresholdExceeded(t *testing.T) {
	rig := newTestRig(t)
	rig.worker.accumulateBackupBytes(backupThresholdBytes + 1)

	require.NoError(t, rig.worker.maybeBackup())

	assert.True(t, rig.worker.dirs.Next().Valid())
	assert.Equal(t, rig.worker.dirs.Current().Name(), rig.worker.dirs.Next().ParentName())
	assert.Zero(t, rig.worker.bytesSinceBackup)
}

func TestMaybeBackupNoopBelowThreshold(t *testing.T) {
	rig := newTestRig(t)
	rig.worker.accumulateBackupBytes(1024)

	require.NoError(t, rig.worker.maybeBackup())
	assert.False(t, rig.worker.dirs.Next().Valid())
}

func TestIndexingFinishedHookCanVetoPass(t *testing.T) {
	rig := newTestRig(t)
	rig.worker.onFinished = func(collection string, hookTimestamp int64) bool {
		return false
	}

	writeBundleFile(t, rig.liveDir, "B-01-202601151230-00000-I-products.SCD", "<DOCID>doc-1\n<title>Widget\n")

	err := rig.worker.RunBuildPass(context.Background())
	assert.ErrorIs(t, err, types.ErrCancelled)
}

func TestSelectModeBoundary(t *testing.T) {
	th := DefaultThresholds
	assert.Equal(t, ModeBatch, SelectMode(0, 0, th))
	assert.Equal(t, ModeRealtime, SelectMode(th.BytesPerDoc*10, 10, th))
	assert.Equal(t, ModeBatch, SelectMode(th.MaxRealtimeBytes+1, 1, th))
}

func TestToHookTimestampIsMicrosecondScale(t *testing.T) {
	ts := time.Date(2026, 1, 15, 12, 30, 5, 123000, time.UTC)
	assert.Equal(t, ts.UnixMicro(), toHookTimestamp(ts))
}
