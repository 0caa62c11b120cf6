package bundle

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/baby/sf1r-lite/pkg/types"
)

// Record is one parsed document record: the key line (the USERID or
// DOCID value) plus the ordered (property, raw value) pairs that
// followed it in the file.
type Record struct {
	Key    string
	Fields []types.RawField
}

// ToRawDocument converts a Record into the generic raw-document shape
// the Document Preparer consumes.
func (r Record) ToRawDocument() types.RawDocument {
	return types.RawDocument{Key: r.Key, Fields: r.Fields}
}

// ParsedFile is a lazy, restartable sequence of records read from a
// bundle file, plus the file's declared type.
type ParsedFile struct {
	Op   types.BundleOp
	file *os.File
	scan *bufio.Scanner
	line int

	// pendingKey holds a key line already consumed from the scanner
	// while closing out the previous record, to be used as the next
	// record's key instead of being read again.
	pendingKey *string
}

// Parse opens path for lazy, restartable parsing. The caller must call
// Close when done.
func Parse(f File) (*ParsedFile, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", types.ErrFilesystemError, f.Path, err)
	}
	return &ParsedFile{
		Op:   f.Op,
		file: fh,
		scan: bufio.NewScanner(fh),
	}, nil
}

// Close releases the underlying file handle.
func (p *ParsedFile) Close() error { return p.file.Close() }

// isKeyLine reports whether line opens a new record.
func isKeyLine(line string) (string, bool) {
	if strings.HasPrefix(line, "<USERID>") {
		return strings.TrimPrefix(line, "<USERID>"), true
	}
	if strings.HasPrefix(line, "<DOCID>") {
		return strings.TrimPrefix(line, "<DOCID>"), true
	}
	return "", false
}

// Next returns the next record in the file, or io.EOF-equivalent
// (nil, nil) once the file is exhausted. Fails with ErrBadFormat if a
// record is truncated (a key line with no following property lines,
// or a property line before any key line).
func (p *ParsedFile) Next() (*Record, error) {
	var rec *Record

	if p.pendingKey != nil {
		rec = &Record{Key: *p.pendingKey}
		p.pendingKey = nil
	}

	for p.scan.Scan() {
		p.line++
		line := p.scan.Text()
		if line == "" {
			continue
		}

		if key, ok := isKeyLine(line); ok {
			if rec != nil {
				if len(rec.Fields) == 0 {
					return nil, fmt.Errorf("%w: line %d: truncated record for key %q", types.ErrBadFormat, p.line, rec.Key)
				}
				// A new key line closes the record in progress; buffer
				// this key for the following call instead of re-reading it.
				p.pendingKey = &key
				return rec, nil
			}
			rec = &Record{Key: key}
			continue
		}

		if rec == nil {
			return nil, fmt.Errorf("%w: line %d: property line before any key line", types.ErrBadFormat, p.line)
		}

		name, val, ok := splitPropertyLine(line)
		if !ok {
			return nil, fmt.Errorf("%w: line %d: malformed property line %q", types.ErrBadFormat, p.line, line)
		}
		rec.Fields = append(rec.Fields, types.RawField{Name: name, Value: val})
	}

	if err := p.scan.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFilesystemError, err)
	}

	if rec != nil && len(rec.Fields) == 0 {
		return nil, fmt.Errorf("%w: truncated record for key %q", types.ErrBadFormat, rec.Key)
	}

	return rec, nil
}

// ParseDeletes reads f (which must be a delete bundle) and returns
// just the DOCID values, without materializing property records.
func ParseDeletes(f File) ([]string, error) {
	if f.Op != types.BundleDelete {
		return nil, fmt.Errorf("%w: %s is not a delete bundle", types.ErrBadFormat, f.Name)
	}

	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", types.ErrFilesystemError, f.Path, err)
	}
	defer fh.Close()

	var ids []string
	scan := bufio.NewScanner(fh)
	for scan.Scan() {
		line := scan.Text()
		if line == "" {
			continue
		}
		if key, ok := isKeyLine(line); ok {
			ids = append(ids, key)
		}
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFilesystemError, err)
	}
	return ids, nil
}

func splitPropertyLine(line string) (name, value string, ok bool) {
	if !strings.HasPrefix(line, "<") {
		return "", "", false
	}
	end := strings.IndexByte(line, '>')
	if end < 0 {
		return "", "", false
	}
	return line[1:end], line[end+1:], true
}
