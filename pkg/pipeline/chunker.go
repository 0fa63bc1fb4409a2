package pipeline

import (
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"amplified/internal/util"
	"amplified/pkg/domain"
)

const (
	defaultChunkTargetChars = 1200
	defaultChunkMaxMs       = 120_000
	defaultEmbedBatchSize   = 16
	defaultEmbedConcurrency = 4
)

// ChunkingConfig bounds chunk size and embedding fan-out.
type ChunkingConfig struct {
	TargetChars      int
	MaxMs            int64
	EmbedBatchSize   int
	EmbedConcurrency int
}

func (c ChunkingConfig) withDefaults() ChunkingConfig {
	if c.TargetChars <= 0 {
		c.TargetChars = defaultChunkTargetChars
	}
	if c.MaxMs <= 0 {
		c.MaxMs = defaultChunkMaxMs
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = defaultEmbedBatchSize
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = defaultEmbedConcurrency
	}
	return c
}

type pendingChunk struct {
	start, end int64
	parts      []string
	runes      int
}

func (c *pendingChunk) add(text string) {
	if len(c.parts) > 0 {
		c.runes++
	}
	c.parts = append(c.parts, text)
	c.runes += utf8.RuneCountInString(text)
}

// BuildChunks splits a transcript into chunks whose time ranges partition
// [0, DurationMs]: the first starts at 0, each ends where the next starts and
// the last ends at DurationMs. Segments are merged until the chunk would
// exceed TargetChars or span more than MaxMs. Gaps between segments belong to
// the preceding chunk; overlapping segments are clamped.
func BuildChunks(t domain.Transcript, cfg ChunkingConfig) []domain.TranscriptChunk {
	cfg = cfg.withDefaults()
	duration := t.DurationMs
	if duration <= 0 {
		return nil
	}
	segments := append([]domain.Segment(nil), t.Segments...)
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].StartMs < segments[j].StartMs })

	var (
		done []pendingChunk
		cur  *pendingChunk
	)
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		start := clampMs(seg.StartMs, 0, duration)
		end := clampMs(seg.EndMs, start, duration)
		if cur != nil && start < cur.end {
			start = cur.end
			if end < start {
				end = start
			}
		}
		if cur == nil {
			cur = &pendingChunk{start: 0, end: end}
			cur.add(text)
			continue
		}
		tooLong := cur.runes+1+utf8.RuneCountInString(text) > cfg.TargetChars
		tooWide := end-cur.start > cfg.MaxMs
		if start > cur.start && start < duration && (tooLong || tooWide) {
			cur.end = start
			done = append(done, *cur)
			cur = &pendingChunk{start: start, end: end}
			cur.add(text)
			continue
		}
		cur.add(text)
		if end > cur.end {
			cur.end = end
		}
	}
	if cur == nil {
		cur = &pendingChunk{start: 0}
		cur.add(strings.TrimSpace(t.FullText))
	}
	cur.end = duration
	done = append(done, *cur)

	out := make([]domain.TranscriptChunk, 0, len(done))
	for i, c := range done {
		out = append(out, domain.TranscriptChunk{
			ID:           util.DerivedID("ch", t.ID+"/"+strconv.Itoa(i)),
			TranscriptID: t.ID,
			SessionID:    t.SessionID,
			Seq:          i,
			StartMs:      c.start,
			EndMs:        c.end,
			Text:         strings.Join(c.parts, " "),
		})
	}
	return out
}

func clampMs(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
