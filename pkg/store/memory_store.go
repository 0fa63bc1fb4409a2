package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"amplified/pkg/ai"
	"amplified/pkg/domain"
)

// MemoryStore keeps everything in-process. Used by tests and single-node runs
// without a database.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]domain.Session
	transcripts map[string]domain.Transcript
	chunks      map[string][]domain.TranscriptChunk // transcript ID -> chunks ordered by seq
	materials   map[string]domain.StudyMaterial
	orders      []string // material insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]domain.Session),
		transcripts: make(map[string]domain.Transcript),
		chunks:      make(map[string][]domain.TranscriptChunk),
		materials:   make(map[string]domain.StudyMaterial),
	}
}

func (m *MemoryStore) SaveSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (domain.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *MemoryStore) SaveTranscript(_ context.Context, t domain.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.transcripts {
		if id == t.ID || other.SessionID != t.SessionID || !other.Current() {
			continue
		}
		at := t.CreatedAt
		other.SupersededAt = &at
		m.transcripts[id] = other
	}
	t.SupersededAt = nil
	t.Segments = append([]domain.Segment(nil), t.Segments...)
	m.transcripts[t.ID] = t
	return nil
}

func (m *MemoryStore) GetTranscript(_ context.Context, id string) (domain.Transcript, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transcripts[id]
	return t, ok, nil
}

func (m *MemoryStore) CurrentTranscript(_ context.Context, sessionID string) (domain.Transcript, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transcripts {
		if t.SessionID == sessionID && t.Current() {
			return t, true, nil
		}
	}
	return domain.Transcript{}, false, nil
}

func (m *MemoryStore) ReplaceChunks(_ context.Context, transcriptID string, chunks []domain.TranscriptChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transcripts[transcriptID]; !ok {
		return domain.NotFoundError("transcript", transcriptID)
	}
	next := make([]domain.TranscriptChunk, len(chunks))
	copy(next, chunks)
	for i := range next {
		if next[i].TranscriptID != transcriptID {
			return fmt.Errorf("%w: chunk %s belongs to transcript %s", domain.ErrValidation, next[i].ID, next[i].TranscriptID)
		}
	}
	sort.SliceStable(next, func(i, j int) bool { return next[i].Seq < next[j].Seq })
	m.chunks[transcriptID] = next
	return nil
}

func (m *MemoryStore) ListChunks(_ context.Context, transcriptID string) ([]domain.TranscriptChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.TranscriptChunk{}, m.chunks[transcriptID]...), nil
}

func (m *MemoryStore) ListCurrentChunks(_ context.Context, sessionID *string) ([]domain.TranscriptChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentChunksLocked(sessionID), nil
}

// SearchChunks scores every current chunk; fine for the corpus sizes the
// in-memory store is used with.
func (m *MemoryStore) SearchChunks(_ context.Context, query []float32, sessionID *string, limit int) ([]domain.TranscriptChunk, error) {
	if limit <= 0 {
		return []domain.TranscriptChunk{}, nil
	}
	m.mu.RLock()
	chunks := m.currentChunksLocked(sessionID)
	m.mu.RUnlock()

	scores := make(map[string]float64, len(chunks))
	candidates := chunks[:0]
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		scores[c.ID] = ai.CosineSimilarity(query, c.Embedding)
		candidates = append(candidates, c)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if scores[a.ID] != scores[b.ID] {
			return scores[a.ID] > scores[b.ID]
		}
		if a.StartMs != b.StartMs {
			return a.StartMs < b.StartMs
		}
		return a.ID < b.ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (m *MemoryStore) currentChunksLocked(sessionID *string) []domain.TranscriptChunk {
	res := []domain.TranscriptChunk{}
	for id, t := range m.transcripts {
		if !t.Current() || (sessionID != nil && t.SessionID != *sessionID) {
			continue
		}
		res = append(res, m.chunks[id]...)
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].SessionID != res[j].SessionID {
			return res[i].SessionID < res[j].SessionID
		}
		return res[i].Seq < res[j].Seq
	})
	return res
}

func (m *MemoryStore) ChunkStats(_ context.Context) (domain.ChunkStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats domain.ChunkStats
	total := 0
	for _, c := range m.currentChunksLocked(nil) {
		stats.ChunkCount++
		total += utf8.RuneCountInString(c.Text)
		if stats.LastEmbedAt == nil || c.CreatedAt.After(*stats.LastEmbedAt) {
			at := c.CreatedAt
			stats.LastEmbedAt = &at
		}
	}
	if stats.ChunkCount > 0 {
		stats.AvgChunkLength = float64(total) / float64(stats.ChunkCount)
	}
	return stats, nil
}

func (m *MemoryStore) SaveMaterial(_ context.Context, mat domain.StudyMaterial) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.materials[mat.ID]; !exists {
		m.orders = append(m.orders, mat.ID)
	}
	m.materials[mat.ID] = mat
	return nil
}

func (m *MemoryStore) SaveDraftMaterial(_ context.Context, mat domain.StudyMaterial) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, exists := m.materials[mat.ID]
	if exists && existing.Status != domain.MaterialDraft {
		return fmt.Errorf("material %s is %s, expected %s: %w", mat.ID, existing.Status, domain.MaterialDraft, domain.ErrConcurrencyConflict)
	}
	if !exists {
		m.orders = append(m.orders, mat.ID)
	}
	m.materials[mat.ID] = mat
	return nil
}

func (m *MemoryStore) GetMaterial(_ context.Context, id string) (domain.StudyMaterial, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mat, ok := m.materials[id]
	return mat, ok, nil
}

// ListMaterials returns a session's materials in insertion order.
func (m *MemoryStore) ListMaterials(_ context.Context, sessionID string) ([]domain.StudyMaterial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := []domain.StudyMaterial{}
	for _, id := range m.orders {
		if mat, ok := m.materials[id]; ok && mat.SessionID == sessionID {
			res = append(res, mat)
		}
	}
	return res, nil
}

func (m *MemoryStore) TransitionMaterial(_ context.Context, id string, from domain.MaterialStatus, change MaterialChange) (domain.StudyMaterial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mat, ok := m.materials[id]
	if !ok {
		return domain.StudyMaterial{}, domain.NotFoundError("material", id)
	}
	if mat.Status != from {
		return domain.StudyMaterial{}, fmt.Errorf("material %s is %s, expected %s: %w", id, mat.Status, from, domain.ErrConcurrencyConflict)
	}
	mat.Status = change.To
	if change.ReviewComment != nil {
		comment := *change.ReviewComment
		mat.ReviewComment = &comment
	}
	mat.UpdatedAt = change.At
	m.materials[id] = mat
	return mat, nil
}
