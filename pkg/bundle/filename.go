// Package bundle discovers, orders, parses, and backs up bundle files
// (spec.md C3/C4): the text-delimited batches of document mutations
// that drive a build pass.
package bundle

import (
	"fmt"
	"regexp"
	"time"

	"github.com/baby/sf1r-lite/pkg/types"
)

// filenamePattern matches B-NN-YYYYMMDDhhmm-ssuuu-T-C.SCD.
var filenamePattern = regexp.MustCompile(`^B-(\d{2})-(\d{12})-(\d{5})-([IUDR])-(.+)\.SCD$`)

// File describes one parsed bundle filename.
type File struct {
	// Path is the full filesystem path to the file.
	Path string
	// Name is the bare filename, the canonical sort key.
	Name string
	// Sequence is the two-digit NN field.
	Sequence int
	// Timestamp is the embedded local timestamp, to microsecond precision.
	Timestamp time.Time
	// Op is the bundle's mutation type.
	Op types.BundleOp
	// Collection is the collection tag embedded in the filename.
	Collection string
}

// ParseFilename parses name (the bare filename, no directory) into a
// File. It returns ErrBadFormat if name does not match the bundle
// filename format.
func ParseFilename(path, name string) (File, error) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return File{}, fmt.Errorf("%w: %q does not match bundle filename format", types.ErrBadFormat, name)
	}

	seq, err := atoiStrict(m[1])
	if err != nil {
		return File{}, fmt.Errorf("%w: bad sequence in %q", types.ErrBadFormat, name)
	}

	ts, err := time.ParseInLocation("20060102150405", m[2]+m[3][:2], time.Local)
	if err != nil {
		return File{}, fmt.Errorf("%w: bad timestamp in %q: %v", types.ErrBadFormat, name, err)
	}
	microsStr := m[3][2:]
	micros, err := atoiStrict(microsStr)
	if err != nil {
		return File{}, fmt.Errorf("%w: bad microseconds in %q", types.ErrBadFormat, name)
	}
	ts = ts.Add(time.Duration(micros) * time.Microsecond)

	op, err := types.ParseBundleOp(m[4])
	if err != nil {
		return File{}, fmt.Errorf("%w: %v", types.ErrBadFormat, err)
	}

	return File{
		Path:       path,
		Name:       name,
		Sequence:   seq,
		Timestamp:  ts,
		Op:         op,
		Collection: m[5],
	}, nil
}

func atoiStrict(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a digit: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
