package document

import "github.com/baby/sf1r-lite/pkg/types"

var sentenceBreaks = []byte{'.', '!', '?'}

func isSentenceBreak(b byte) bool {
	for _, s := range sentenceBreaks {
		if b == s {
			return true
		}
	}
	return false
}

// summarySpans splits text into up to info.SummaryNum (at least 1)
// sentence-bounded spans, each capped to info.DisplayLength bytes. Span
// offsets are byte offsets into text.
func summarySpans(text string, info *types.SummaryInfo) []types.SummarySpan {
	if info == nil || len(text) == 0 {
		return nil
	}

	want := info.SummaryNum
	if want < 1 {
		want = 1
	}
	display := info.DisplayLength
	if display < 1 {
		display = len(text)
	}

	var spans []types.SummarySpan
	start := 0
	for start < len(text) && len(spans) < want {
		end := start
		for end < len(text) && !isSentenceBreak(text[end]) {
			end++
		}
		if end < len(text) {
			end++ // include the punctuation
		}
		if end-start > display {
			end = start + display
		}
		if end > start {
			spans = append(spans, types.SummarySpan{Start: start, End: end})
		}
		start = end
		for start < len(text) && text[start] == ' ' {
			start++
		}
	}
	return spans
}
