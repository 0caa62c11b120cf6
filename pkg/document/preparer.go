// Package document implements the Document Preparer (spec.md C5): the
// classifier that turns a raw bundle record into a fully prepared
// in-memory document, deciding along the way whether an update can be
// serviced as a cheap R-type column rewrite or needs a full reindex.
package document

import (
	"fmt"
	"time"

	"github.com/baby/sf1r-lite/pkg/log"
	"github.com/baby/sf1r-lite/pkg/storage"
	"github.com/baby/sf1r-lite/pkg/types"
	"github.com/rs/zerolog"
)

// Preparer is the Document Preparer for one collection.
type Preparer struct {
	schema      *types.Schema
	idMgr       storage.IdManager
	docStore    storage.DocumentManager
	analyzer    LanguageAnalyzer
	sourceField string
	logger      zerolog.Logger
}

// New constructs a Preparer. sourceField names the schema property
// whose value should be recorded as the per-source counter key
// (productSourceField in spec.md §4.5); pass "" to disable.
func New(schema *types.Schema, idMgr storage.IdManager, docStore storage.DocumentManager, analyzer LanguageAnalyzer, sourceField string) *Preparer {
	return &Preparer{
		schema:      schema,
		idMgr:       idMgr,
		docStore:    docStore,
		analyzer:    analyzer,
		sourceField: sourceField,
		logger:      log.WithComponent("document-preparer"),
	}
}

// Prepare is the central classifier (spec.md §4.5). insertMode forces
// treatment as a brand-new document regardless of whether the DOCID
// hash already resolves. buildTimestamp is the bundle-supplied
// timestamp used to synthesize a DATE property when the record carries
// none.
func (p *Preparer) Prepare(raw types.RawDocument, insertMode bool, buildTimestamp time.Time) (*types.PrepareResult, error) {
	hash := storage.ContentHash(raw.Key)

	resolvedOld, exists, err := p.idMgr.Resolve(hash)
	if err != nil {
		return nil, fmt.Errorf("resolve docid: %w", err)
	}

	newValues := make(map[string]types.Value, len(raw.Fields))
	var sawDate bool
	var source string

	for _, f := range raw.Fields {
		prop := p.schema.Lookup(f.Name)
		if prop == nil {
			continue
		}

		if p.sourceField != "" && f.Name == p.sourceField {
			source = f.Value
		}

		val, ok := p.convertField(prop, f.Value)
		if !ok {
			p.logger.Warn().Str("property", f.Name).Str("raw", f.Value).Msg("could not convert property value, skipping")
			continue
		}
		if prop.Type == types.PropertyDate {
			sawDate = true
		}
		newValues[f.Name] = val
	}

	if !sawDate && !buildTimestamp.IsZero() {
		if dateProp := p.dateProperty(); dateProp != "" {
			newValues[dateProp] = types.NewDateValue(buildTimestamp)
		}
	}

	result := &types.PrepareResult{Source: source, Timestamp: buildTimestamp}

	useRType := false
	var rtypeValues map[string]types.Value
	var oldDoc *types.Document

	if !insertMode && exists {
		oldDoc, err = p.docStore.GetDocument(resolvedOld)
		if err != nil {
			return nil, fmt.Errorf("load old document for r-type classification: %w", err)
		}
		useRType, rtypeValues = classifyRType(p.schema, oldDoc, newValues)
	}

	var docId types.DocId
	var oldDocId types.DocId

	switch {
	case !insertMode && exists && useRType:
		docId = resolvedOld
		if err := p.idMgr.UpdateExisting(hash, resolvedOld, docId); err != nil {
			return nil, fmt.Errorf("update existing (r-type): %w", err)
		}

	case !insertMode && exists && !useRType:
		old, newId, err := p.idMgr.AssignNew(hash)
		if err != nil {
			return nil, fmt.Errorf("assign new docid for full update: %w", err)
		}
		if err := p.idMgr.UpdateExisting(hash, old, newId); err != nil {
			return nil, fmt.Errorf("retire old docid: %w", err)
		}
		docId, oldDocId = newId, old

	default:
		old, newId, err := p.idMgr.AssignNew(hash)
		if err != nil {
			return nil, fmt.Errorf("assign new docid: %w", err)
		}
		maxDocId, err := p.docStore.GetMaxDocId()
		if err != nil {
			return nil, fmt.Errorf("read max docid: %w", err)
		}
		if newId <= maxDocId {
			return nil, fmt.Errorf("%w: assigned docid %d <= max %d", types.ErrDuplicateDocid, newId, maxDocId)
		}
		docId, oldDocId = newId, old
	}

	doc := &types.Document{
		DocId:      docId,
		DocIdStr:   raw.Key,
		Properties: newValues,
		CreatedAt:  buildTimestamp,
	}

	if !insertMode && exists && !useRType {
		// Full reindex update: overlay new properties on top of the old
		// document (partial completion), failing if the old doc is gone.
		if oldDoc == nil {
			oldDoc, err = p.docStore.GetDocument(resolvedOld)
			if err != nil {
				return nil, fmt.Errorf("load old document for overlay: %w", err)
			}
		}
		merged := make(map[string]types.Value, len(oldDoc.Properties)+len(newValues))
		for k, v := range oldDoc.Properties {
			merged[k] = v
		}
		for k, v := range newValues {
			merged[k] = v
		}
		doc.Properties = merged
	}

	doc.Summaries = p.summariesFor(doc)

	result.Doc = doc
	result.OldDocId = oldDocId
	result.IsRType = useRType
	result.RTypeValues = rtypeValues

	return result, nil
}

// dateProperty returns the schema's configured date property name, if
// any, used to synthesize a DATE value from the build timestamp.
func (p *Preparer) dateProperty() string {
	for _, prop := range p.schema.Properties {
		if prop.Type == types.PropertyDate {
			return prop.Name
		}
	}
	return ""
}

func (p *Preparer) convertField(prop *types.PropertyDef, raw string) (types.Value, bool) {
	switch prop.Type {
	case types.PropertyDate:
		t, err := time.ParseInLocation(types.DateLayout, raw, time.Local)
		if err != nil {
			return types.Value{}, false
		}
		return types.NewDateValue(t), true

	case types.PropertyInt:
		ints, ok := parseIntProperty(raw)
		if !ok {
			return types.Value{}, false
		}
		return types.NewMultiIntValue(ints), true

	case types.PropertyFloat:
		floats, ok := parseFloatProperty(raw)
		if !ok {
			return types.Value{}, false
		}
		return types.NewMultiFloatValue(floats), true

	case types.PropertyString, types.PropertyNominal:
		return types.NewStringValue(raw), true

	default:
		return types.Value{}, false
	}
}

// SummarySpansFor computes the summary/snippet offset spans for a
// string property's text, per its schema-declared SummaryInfo.
func (p *Preparer) SummarySpansFor(propName, text string) []types.SummarySpan {
	prop := p.schema.Lookup(propName)
	if prop == nil || prop.Summary == nil {
		return nil
	}
	return summarySpans(text, prop.Summary)
}

// summariesFor computes SummarySpansFor for every string property of
// doc that declares a SummaryInfo, per spec.md §4.5's "compute sentence
// offset blocks bounded by displayLength and summaryNum" step.
func (p *Preparer) summariesFor(doc *types.Document) map[string][]types.SummarySpan {
	var summaries map[string][]types.SummarySpan
	for name, val := range doc.Properties {
		if val.Kind != types.PropertyString {
			continue
		}
		prop := p.schema.Lookup(name)
		if prop == nil || prop.Summary == nil {
			continue
		}
		spans := summarySpans(val.Str, prop.Summary)
		if len(spans) == 0 {
			continue
		}
		if summaries == nil {
			summaries = make(map[string][]types.SummarySpan)
		}
		summaries[name] = spans
	}
	return summaries
}

// TermsFor tokenizes an analyzed string property's text via the
// configured LanguageAnalyzer, or returns nil if the property is not
// analyzed or no analyzer is configured.
func (p *Preparer) TermsFor(propName, text string) []string {
	prop := p.schema.Lookup(propName)
	if prop == nil || !prop.IsAnalyzed || p.analyzer == nil {
		return nil
	}
	return p.analyzer.Tokenize(text)
}
