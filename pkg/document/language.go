package document

// LanguageAnalyzer tokenizes an analyzed string property's text for the
// forward index. The Document Preparer only needs to know which terms
// an analyzed property produces, not how the index stores them.
type LanguageAnalyzer interface {
	Tokenize(text string) []string
}
