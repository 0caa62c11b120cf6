package bundle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/baby/sf1r-lite/pkg/types"
	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilenameValid(t *testing.T) {
	f, err := ParseFilename("/data/B-01-202601151230-05123-I-products.SCD", "B-01-202601151230-05123-I-products.SCD")
	require.NoError(t, err)
	assert.Equal(t, 1, f.Sequence)
	assert.Equal(t, types.BundleInsert, f.Op)
	assert.Equal(t, "products", f.Collection)
	assert.Equal(t, 2026, f.Timestamp.Year())
	assert.Equal(t, time.Month(1), f.Timestamp.Month())
	assert.Equal(t, 15, f.Timestamp.Day())
	assert.Equal(t, 5, f.Timestamp.Second())
	assert.Equal(t, 123, f.Timestamp.Nanosecond()/1000)
}

func TestParseFilenameRejectsBadFormat(t *testing.T) {
	_, err := ParseFilename("/data/not-a-bundle.txt", "not-a-bundle.txt")
	assert.ErrorIs(t, err, types.ErrBadFormat)
}

func TestParseFilenameRejectsBadOp(t *testing.T) {
	_, err := ParseFilename("/data/x", "B-01-202601151230-05123-X-products.SCD")
	assert.ErrorIs(t, err, types.ErrBadFormat)
}

func TestScannerOrdersByFilename(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"B-02-202601151230-00000-I-products.SCD",
		"B-01-202601151229-00000-I-products.SCD",
		"ignored.txt",
	}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}

	s := NewScanner()
	files, err := s.Scan(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "B-01-202601151229-00000-I-products.SCD", files[0].Name)
	assert.Equal(t, "B-02-202601151230-00000-I-products.SCD", files[1].Name)
}

func TestScannerBackupMovesFiles(t *testing.T) {
	dir := t.TempDir()
	name := "B-01-202601151230-00000-I-products.SCD"
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	s := NewScanner()
	files, err := s.Scan(dir)
	require.NoError(t, err)
	require.NoError(t, s.Backup(dir, files))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(dir, backupDirName, name))
	assert.NoError(t, err)
}

func writeBundle(t *testing.T, dir, name, body string) File {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	f, err := ParseFilename(path, name)
	require.NoError(t, err)
	return f
}

func TestParserYieldsMultipleRecords(t *testing.T) {
	dir := t.TempDir()
	body := "<DOCID>doc-1\n<title>Widget\n<price>9.99\n<DOCID>doc-2\n<title>Gadget\n<price>19.99\n"
	f := writeBundle(t, dir, "B-01-202601151230-00000-I-products.SCD", body)

	pf, err := Parse(f)
	require.NoError(t, err)
	defer pf.Close()

	r1, err := pf.Next()
	require.NoError(t, err)
	require.NotNil(t, r1)
	assert.Equal(t, "doc-1", r1.Key)
	assert.Equal(t, []types.RawField{{Name: "title", Value: "Widget"}, {Name: "price", Value: "9.99"}}, r1.Fields)

	r2, err := pf.Next()
	require.NoError(t, err)
	require.NotNil(t, r2)
	assert.Equal(t, "doc-2", r2.Key)

	r3, err := pf.Next()
	require.NoError(t, err)
	assert.Nil(t, r3)
}

func TestParserRejectsPropertyBeforeKey(t *testing.T) {
	dir := t.TempDir()
	body := "<title>Widget\n"
	f := writeBundle(t, dir, "B-01-202601151230-00000-I-products.SCD", body)

	pf, err := Parse(f)
	require.NoError(t, err)
	defer pf.Close()

	_, err = pf.Next()
	assert.ErrorIs(t, err, types.ErrBadFormat)
}

func TestParserRejectsTruncatedRecord(t *testing.T) {
	dir := t.TempDir()
	body := "<DOCID>doc-1\n"
	f := writeBundle(t, dir, "B-01-202601151230-00000-I-products.SCD", body)

	pf, err := Parse(f)
	require.NoError(t, err)
	defer pf.Close()

	_, err = pf.Next()
	assert.ErrorIs(t, err, types.ErrBadFormat)
}

func TestParseDeletesYieldsDocIdsOnly(t *testing.T) {
	dir := t.TempDir()
	body := "<DOCID>doc-1\n<DOCID>doc-2\n<DOCID>doc-3\n"
	f := writeBundle(t, dir, "B-01-202601151230-00000-D-products.SCD", body)

	ids, err := ParseDeletes(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1", "doc-2", "doc-3"}, ids)
}

func TestParseDeletesRejectsNonDeleteBundle(t *testing.T) {
	dir := t.TempDir()
	f := writeBundle(t, dir, "B-01-202601151230-00000-I-products.SCD", "<DOCID>x\n<a>b\n")
	_, err := ParseDeletes(f)
	assert.ErrorIs(t, err, types.ErrBadFormat)
}

type fakeWatcher struct {
	events  chan fsnotify.Event
	errors  chan error
	added   []string
	closed  bool
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		events: make(chan fsnotify.Event, 10),
		errors: make(chan error, 1),
	}
}

func (f *fakeWatcher) Events() <-chan fsnotify.Event { return f.events }
func (f *fakeWatcher) Errors() <-chan error           { return f.errors }
func (f *fakeWatcher) Add(path string) error          { f.added = append(f.added, path); return nil }
func (f *fakeWatcher) Close() error                   { f.closed = true; return nil }

func TestWatchDebouncesBurstOfEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newFakeWatcher()
	out, err := watchWith(ctx, "/tmp/whatever", w)
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/whatever"}, w.added)

	for i := 0; i < 5; i++ {
		w.events <- fsnotify.Event{Name: "a.SCD", Op: fsnotify.Create}
	}

	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("no rescan signal after event burst")
	}

	cancel()
	_, ok := <-out
	assert.False(t, ok)
}
