package knowledge

import "fmt"

// ChunkText derives the exact embedding input for one question phrasing and
// the shared normalized answer. The result is persisted verbatim as the
// chunk's content, so the format must stay stable: changing it would make
// stored chunks irreproducible from their source rows.
func ChunkText(question, normalizedAnswer string) string {
	return fmt.Sprintf("Q: %s\nA: %s", question, normalizedAnswer)
}

// ChunkTexts builds one embedding input per question, in the same order as
// the input questions. Index i of the result corresponds to questions[i],
// which is also the chunk index persisted alongside the embedding.
func ChunkTexts(questions []string, normalizedAnswer string) []string {
	out := make([]string, len(questions))
	for i, q := range questions {
		out[i] = ChunkText(q, normalizedAnswer)
	}
	return out
}
