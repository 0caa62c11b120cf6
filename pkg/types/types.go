// Package types holds the data model shared by every stage of the
// ingestion/indexing/recommendation pipeline: the document/schema model,
// bundle file metadata, the directory-pair model, and the recommend
// sub-store staging structures.
package types

import (
	"fmt"
	"time"
)

// PropertyType is the declared type of a schema property.
type PropertyType string

const (
	PropertyString  PropertyType = "string"
	PropertyInt     PropertyType = "int"
	PropertyFloat   PropertyType = "float"
	PropertyNominal PropertyType = "nominal"
	PropertyDate    PropertyType = "date"
)

// AnalyzerInfo describes how an analyzed string property should be
// tokenized for the forward index.
type AnalyzerInfo struct {
	Name        string
	Granularity string
}

// SummaryInfo controls snippet/summary generation for a string property.
type SummaryInfo struct {
	DisplayLength int
	SummaryNum    int
}

// SummarySpan is one sentence-bounded offset block a string property's
// summary/snippet should display (spec.md §4.5).
type SummarySpan struct {
	Start int
	End   int
}

// PropertyDef is one schema-declared property.
type PropertyDef struct {
	ID             int32
	Name           string
	Type           PropertyType
	IsIndex        bool
	IsAnalyzed     bool
	IsFilter       bool
	IsMultiValue   bool
	IsStoreDocLen  bool
	Analyzer       *AnalyzerInfo
	Summary        *SummaryInfo
}

// rtypeEligible reports whether a differing value of this property may
// participate in an R-type (column-only) update: it must either be
// indexed+filterable+non-analyzed, or not indexed at all.
func (p *PropertyDef) rtypeEligible() bool {
	if !p.IsIndex {
		return true
	}
	return p.IsFilter && !p.IsAnalyzed
}

// RTypeEligible exposes rtypeEligible for callers outside the package
// (the classifier in pkg/document).
func (p *PropertyDef) RTypeEligible() bool { return p.rtypeEligible() }

// Schema is the ordered set of property declarations for a collection.
type Schema struct {
	CollectionName string
	Properties     []*PropertyDef
	byName         map[string]*PropertyDef
}

// Compile builds the name index. The YAML loader in pkg/config calls it
// once after population; Lookup calls it itself if it has not run yet.
func (s *Schema) Compile() {
	s.byName = make(map[string]*PropertyDef, len(s.Properties))
	for _, p := range s.Properties {
		s.byName[p.Name] = p
	}
}

// Lookup returns the property definition for name, or nil.
func (s *Schema) Lookup(name string) *PropertyDef {
	if s.byName == nil {
		s.Compile()
	}
	return s.byName[name]
}

// Value is a tagged union over the property value kinds a bundle file
// can carry, per the design note in spec.md §9 ("property value union").
type Value struct {
	Kind   PropertyType
	Str    string
	Ints   []int64
	Floats []float64
	Date   time.Time
}

// NewStringValue constructs a string-kind Value.
func NewStringValue(s string) Value { return Value{Kind: PropertyString, Str: s} }

// NewIntValue constructs a single-valued int Value.
func NewIntValue(v int64) Value { return Value{Kind: PropertyInt, Ints: []int64{v}} }

// NewMultiIntValue constructs a multi-valued int Value.
func NewMultiIntValue(vs []int64) Value { return Value{Kind: PropertyInt, Ints: vs} }

// NewFloatValue constructs a single-valued float Value.
func NewFloatValue(v float64) Value { return Value{Kind: PropertyFloat, Floats: []float64{v}} }

// NewMultiFloatValue constructs a multi-valued float Value.
func NewMultiFloatValue(vs []float64) Value { return Value{Kind: PropertyFloat, Floats: vs} }

// NewDateValue constructs a date-kind Value.
func NewDateValue(t time.Time) Value { return Value{Kind: PropertyDate, Date: t} }

// Equal reports whether two values carry the same content, used by the
// R-type classifier to skip unchanged properties.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case PropertyString, PropertyNominal:
		return v.Str == o.Str
	case PropertyDate:
		return v.Date.Equal(o.Date)
	case PropertyInt:
		return int64SliceEqual(v.Ints, o.Ints)
	case PropertyFloat:
		return float64SliceEqual(v.Floats, o.Floats)
	default:
		return false
	}
}

func int64SliceEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func float64SliceEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DateLayout is sf1r's fixed on-wire timestamp format.
const DateLayout = "20060102150405"

// DocId is the opaque internal document identifier assigned by the id
// manager. 0 is never a valid assigned id.
type DocId uint32

// Document is a fully prepared in-memory document: the resolved docid
// plus its property values.
type Document struct {
	DocId      DocId
	DocIdStr   string // external DOCID
	Properties map[string]Value
	CreatedAt  time.Time
	// Summaries holds the precomputed summary/snippet offset spans for
	// every string property that declares a SummaryInfo (spec.md §4.5),
	// keyed by property name, as the forward-index projection of that
	// property's text.
	Summaries map[string][]SummarySpan
}

// GetString returns a single-valued string property, or "" if absent.
func (d *Document) GetString(name string) string {
	if v, ok := d.Properties[name]; ok {
		return v.Str
	}
	return ""
}

// BundleOp is the closed sum type for bundle file mutation kinds
// (spec.md §9, "dispatch by SCD type").
type BundleOp string

const (
	BundleInsert  BundleOp = "I"
	BundleUpdate  BundleOp = "U"
	BundleDelete  BundleOp = "D"
	BundleRebuild BundleOp = "R"
)

// ParseBundleOp maps the single-letter file-name code to a BundleOp,
// rejecting anything unrecognized at parse time.
func ParseBundleOp(code string) (BundleOp, error) {
	switch BundleOp(code) {
	case BundleInsert, BundleUpdate, BundleDelete, BundleRebuild:
		return BundleOp(code), nil
	default:
		return "", fmt.Errorf("%w: unrecognized bundle op %q", ErrBadFormat, code)
	}
}

// RawDocument is a single record parsed out of a bundle file: an
// ordered sequence of (property name, raw string value) pairs, plus the
// external DOCID/USERID the record was keyed on.
type RawDocument struct {
	Key    string // DOCID or USERID
	Fields []RawField
}

// RawField is one "<PROPNAME>value" line.
type RawField struct {
	Name  string
	Value string
}

// Get returns the first raw value for name, and whether it was present.
func (r *RawDocument) Get(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// PrepareResult is the output of the Document Preparer's classifier
// (spec.md §4.5).
type PrepareResult struct {
	Doc         *Document
	OldDocId    DocId // 0 if none
	IsRType     bool
	RTypeValues map[string]Value // only the changed columns, when IsRType
	Source      string           // productSourceField, if present
	Timestamp   time.Time        // bundle-supplied timestamp, for hook notification
}
