// Package knowledge implements the pure text pipeline that prepares Q&A
// knowledge pairs for embedding: markup normalization of free-form answers
// and deterministic construction of the per-question embedding inputs.
//
// Everything in this package is side-effect free. Functions never fail:
// malformed markup degrades to best-effort plain text rather than erroring,
// which keeps the ingestion path total for arbitrary tenant input.
package knowledge

import (
	"regexp"
	"strings"
)

// Matched case-insensitively; (?s) lets the block span lines so the element
// contents are removed along with the tags.
var (
	scriptBlockRE = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	styleBlockRE  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)
	tagRE         = regexp.MustCompile(`(?s)<[^>]*>`)
)

// entityReplacer decodes the fixed set of named entities that commonly show
// up in pasted rich text. Decoding happens before whitespace collapsing so
// that &nbsp; folds into the surrounding spacing like any other whitespace.
var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

// Normalize strips markup from a free-form answer into a comparable plain
// form:
//
//  1. <script> and <style> blocks are removed entirely, contents included.
//  2. All remaining tags are replaced by a single space.
//  3. A fixed set of named entities is decoded (&nbsp; &amp; &lt; &gt;
//     &quot; &#39;).
//  4. Consecutive whitespace collapses to one space and the result is
//     trimmed.
//
// The order matters: script/style removal must precede generic tag
// stripping (otherwise their contents would survive as text), and entity
// decoding must precede whitespace collapsing (decoded &nbsp; becomes
// collapsible whitespace).
//
// Normalize is idempotent for inputs whose entities do not themselves encode
// markup: Normalize(Normalize(s)) == Normalize(s). Entity-encoded tags are
// the one exception: "&lt;b&gt;hi&lt;/b&gt;" decodes to "<b>hi</b>" on the
// first pass, and a second pass would strip those tags. Decoding runs after
// tag stripping precisely so that such input is preserved as literal text
// rather than interpreted as markup.
func Normalize(raw string) string {
	s := scriptBlockRE.ReplaceAllString(raw, " ")
	s = styleBlockRE.ReplaceAllString(s, " ")
	s = tagRE.ReplaceAllString(s, " ")
	s = entityReplacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
