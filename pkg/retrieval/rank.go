package retrieval

import (
	"sort"

	"amplified/pkg/ai"
	"amplified/pkg/domain"
)

// Scored is a chunk with its similarity to the query.
type Scored struct {
	Chunk domain.TranscriptChunk
	Score float64
}

// Rank scores every chunk against query by cosine similarity and orders the
// result by descending score, then ascending start_ms, then chunk id.
// Chunks without an embedding of the query's dimension score 0.
func Rank(query []float32, chunks []domain.TranscriptChunk) []Scored {
	out := make([]Scored, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, Scored{Chunk: c, Score: ai.CosineSimilarity(query, c.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Chunk.StartMs != out[j].Chunk.StartMs {
			return out[i].Chunk.StartMs < out[j].Chunk.StartMs
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	return out
}

// SelectTop keeps at most k ranked entries whose score is at least floor.
// ranked must already be ordered by Rank.
func SelectTop(ranked []Scored, k int, floor float64) []Scored {
	out := make([]Scored, 0, k)
	for _, s := range ranked {
		if len(out) >= k {
			break
		}
		if s.Score < floor {
			break
		}
		out = append(out, s)
	}
	return out
}
