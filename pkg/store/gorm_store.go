package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"amplified/pkg/domain"
)

const migrateLockID int64 = 51908266

type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim rejects chunk embeddings of any other dimension. Zero disables the check.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.EmbeddingDim < 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", opts.EmbeddingDim)
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		// Older databases kept embeddings as jsonb arrays, whose text form
		// is also a valid vector literal.
		if err := tx.Exec(`
			DO $$
			BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'chunk_models' AND column_name = 'embedding' AND data_type = 'jsonb'
			) THEN
				ALTER TABLE chunk_models ALTER COLUMN embedding TYPE vector USING embedding::text::vector;
			END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("convert chunk embeddings: %w", err)
		}
		if err := tx.AutoMigrate(&SessionModel{}, &TranscriptModel{}, &ChunkModel{}, &MaterialModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM chunk_models c
				WHERE NOT EXISTS (SELECT 1 FROM transcript_models t WHERE t.id = c.transcript_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chunk_models'
					AND constraint_name = 'chunk_models_transcript_id_fkey'
				) THEN
					ALTER TABLE chunk_models
					ADD CONSTRAINT chunk_models_transcript_id_fkey
					FOREIGN KEY (transcript_id) REFERENCES transcript_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure transcript foreign keys: %w", err)
		}
		if opts.EmbeddingDim > 0 {
			if err := tx.Exec(fmt.Sprintf(
				"ALTER TABLE chunk_models ALTER COLUMN embedding TYPE vector(%d)", opts.EmbeddingDim,
			)).Error; err != nil {
				return fmt.Errorf("alter chunk embedding type: %w", err)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: opts.EmbeddingDim}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSession stores or updates a session.
func (s *GormStore) SaveSession(ctx context.Context, sess domain.Session) error {
	model := sessionToModel(sess)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"course_id", "title", "description", "session_date", "video_source_url", "status"}),
	}).Create(&model).Error
}

// GetSession retrieves a session.
func (s *GormStore) GetSession(ctx context.Context, id string) (domain.Session, bool, error) {
	var model SessionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, err
	}
	return sessionFromModel(model), true, nil
}

// SaveTranscript upserts the transcript and supersedes the session's other current ones.
func (s *GormStore) SaveTranscript(ctx context.Context, t domain.Transcript) error {
	model, err := transcriptToModel(t)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&TranscriptModel{}).
			Where("session_id = ? AND id <> ? AND superseded_at IS NULL", t.SessionID, t.ID).
			Update("superseded_at", t.CreatedAt).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"full_text", "duration_ms", "segments", "superseded_at"}),
		}).Create(&model).Error
	})
}

// GetTranscript retrieves a transcript by ID, superseded or not.
func (s *GormStore) GetTranscript(ctx context.Context, id string) (domain.Transcript, bool, error) {
	var model TranscriptModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Transcript{}, false, nil
		}
		return domain.Transcript{}, false, err
	}
	t, err := transcriptFromModel(model)
	return t, err == nil, err
}

// CurrentTranscript returns the session's non-superseded transcript.
func (s *GormStore) CurrentTranscript(ctx context.Context, sessionID string) (domain.Transcript, bool, error) {
	var model TranscriptModel
	if err := s.db.WithContext(ctx).
		Where("session_id = ? AND superseded_at IS NULL", sessionID).
		Order("created_at DESC").
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Transcript{}, false, nil
		}
		return domain.Transcript{}, false, err
	}
	t, err := transcriptFromModel(model)
	return t, err == nil, err
}

// ReplaceChunks replaces all chunks for a transcript in one transaction.
func (s *GormStore) ReplaceChunks(ctx context.Context, transcriptID string, chunks []domain.TranscriptChunk) error {
	models := make([]ChunkModel, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.TranscriptID != transcriptID {
			return fmt.Errorf("%w: chunk %s belongs to transcript %s", domain.ErrValidation, chunk.ID, chunk.TranscriptID)
		}
		if err := s.validateEmbeddingDim(chunk.Embedding); err != nil {
			return err
		}
		models = append(models, chunkToModel(chunk))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&TranscriptModel{}).Where("id = ?", transcriptID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.NotFoundError("transcript", transcriptID)
		}
		if err := tx.Delete(&ChunkModel{}, "transcript_id = ?", transcriptID).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// ListChunks returns a transcript's chunks ordered by sequence.
func (s *GormStore) ListChunks(ctx context.Context, transcriptID string) ([]domain.TranscriptChunk, error) {
	var models []ChunkModel
	if err := s.db.WithContext(ctx).Where("transcript_id = ?", transcriptID).Order("seq ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return chunksFromModels(models), nil
}

// ListCurrentChunks returns chunks that belong to non-superseded transcripts.
func (s *GormStore) ListCurrentChunks(ctx context.Context, sessionID *string) ([]domain.TranscriptChunk, error) {
	var models []ChunkModel
	if err := s.currentChunks(ctx, sessionID).
		Order("chunk_models.session_id ASC").Order("chunk_models.seq ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return chunksFromModels(models), nil
}

// SearchChunks finds the current chunks nearest to query by cosine distance.
func (s *GormStore) SearchChunks(ctx context.Context, query []float32, sessionID *string, limit int) ([]domain.TranscriptChunk, error) {
	if limit <= 0 {
		return []domain.TranscriptChunk{}, nil
	}
	if err := s.validateEmbeddingDim(query); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(query)
	var models []ChunkModel
	if err := s.currentChunks(ctx, sessionID).
		Where("chunk_models.embedding IS NOT NULL").
		Order(clause.Expr{SQL: "chunk_models.embedding <=> ?", Vars: []any{vec}}).
		Order("chunk_models.start_ms ASC").Order("chunk_models.id ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return chunksFromModels(models), nil
}

func (s *GormStore) currentChunks(ctx context.Context, sessionID *string) *gorm.DB {
	tx := s.db.WithContext(ctx).Model(&ChunkModel{}).
		Joins("JOIN transcript_models t ON t.id = chunk_models.transcript_id AND t.superseded_at IS NULL")
	if sessionID != nil {
		tx = tx.Where("chunk_models.session_id = ?", *sessionID)
	}
	return tx
}

// ChunkStats aggregates the current chunk corpus.
func (s *GormStore) ChunkStats(ctx context.Context) (domain.ChunkStats, error) {
	var row struct {
		Count  int64
		AvgLen float64
		LastAt *time.Time
	}
	if err := s.db.WithContext(ctx).Raw(`
		SELECT COUNT(c.id) AS count,
		       COALESCE(AVG(CHAR_LENGTH(c.text)), 0) AS avg_len,
		       MAX(c.created_at) AS last_at
		FROM chunk_models c
		JOIN transcript_models t ON t.id = c.transcript_id AND t.superseded_at IS NULL
	`).Scan(&row).Error; err != nil {
		return domain.ChunkStats{}, err
	}
	return domain.ChunkStats{
		ChunkCount:     int(row.Count),
		AvgChunkLength: row.AvgLen,
		LastEmbedAt:    row.LastAt,
	}, nil
}

// SaveMaterial stores or updates a material.
func (s *GormStore) SaveMaterial(ctx context.Context, m domain.StudyMaterial) error {
	model := materialToModel(m)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "title", "content", "status", "review_comment", "source_job_id", "updated_at"}),
	}).Create(&model).Error
}

// SaveDraftMaterial upserts m unless the stored row has left draft.
func (s *GormStore) SaveDraftMaterial(ctx context.Context, m domain.StudyMaterial) error {
	model := materialToModel(m)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "title", "content", "status", "review_comment", "source_job_id", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Table: "material_models", Name: "status"}, Value: string(domain.MaterialDraft)},
		}},
	}).Create(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("material %s is no longer %s: %w", m.ID, domain.MaterialDraft, domain.ErrConcurrencyConflict)
	}
	return nil
}

// GetMaterial retrieves a material.
func (s *GormStore) GetMaterial(ctx context.Context, id string) (domain.StudyMaterial, bool, error) {
	var model MaterialModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.StudyMaterial{}, false, nil
		}
		return domain.StudyMaterial{}, false, err
	}
	return materialFromModel(model), true, nil
}

// ListMaterials returns a session's materials ordered by created_at.
func (s *GormStore) ListMaterials(ctx context.Context, sessionID string) ([]domain.StudyMaterial, error) {
	var models []MaterialModel
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at ASC").Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.StudyMaterial, 0, len(models))
	for _, m := range models {
		res = append(res, materialFromModel(m))
	}
	return res, nil
}

// TransitionMaterial updates status with a compare-and-swap on the previous status.
func (s *GormStore) TransitionMaterial(ctx context.Context, id string, from domain.MaterialStatus, change MaterialChange) (domain.StudyMaterial, error) {
	var out domain.StudyMaterial
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":     string(change.To),
			"updated_at": change.At,
		}
		if change.ReviewComment != nil {
			updates["review_comment"] = *change.ReviewComment
		}
		res := tx.Model(&MaterialModel{}).Where("id = ? AND status = ?", id, string(from)).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		var model MaterialModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NotFoundError("material", id)
			}
			return err
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("material %s is %s, expected %s: %w", id, model.Status, from, domain.ErrConcurrencyConflict)
		}
		out = materialFromModel(model)
		return nil
	})
	return out, err
}

func (s *GormStore) validateEmbeddingDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if s.embeddingDim > 0 && len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.embeddingDim)
	}
	return nil
}

func sessionToModel(s domain.Session) SessionModel {
	return SessionModel{
		ID:             s.ID,
		CourseID:       s.CourseID,
		Title:          s.Title,
		Description:    s.Description,
		SessionDate:    s.SessionDate,
		VideoSourceURL: s.VideoSourceURL,
		Status:         string(s.Status),
		CreatedAt:      s.CreatedAt,
	}
}

func sessionFromModel(m SessionModel) domain.Session {
	return domain.Session{
		ID:             m.ID,
		CourseID:       m.CourseID,
		Title:          m.Title,
		Description:    m.Description,
		SessionDate:    m.SessionDate,
		VideoSourceURL: m.VideoSourceURL,
		Status:         domain.SessionStatus(m.Status),
		CreatedAt:      m.CreatedAt,
	}
}

func transcriptToModel(t domain.Transcript) (TranscriptModel, error) {
	segments, err := json.Marshal(t.Segments)
	if err != nil {
		return TranscriptModel{}, fmt.Errorf("encode segments: %w", err)
	}
	return TranscriptModel{
		ID:         t.ID,
		SessionID:  t.SessionID,
		FullText:   t.FullText,
		DurationMs: t.DurationMs,
		Segments:   segments,
		CreatedAt:  t.CreatedAt,
	}, nil
}

func transcriptFromModel(m TranscriptModel) (domain.Transcript, error) {
	var segments []domain.Segment
	if len(m.Segments) > 0 {
		if err := json.Unmarshal(m.Segments, &segments); err != nil {
			return domain.Transcript{}, fmt.Errorf("decode segments of transcript %s: %w", m.ID, err)
		}
	}
	return domain.Transcript{
		ID:           m.ID,
		SessionID:    m.SessionID,
		FullText:     m.FullText,
		DurationMs:   m.DurationMs,
		Segments:     segments,
		CreatedAt:    m.CreatedAt,
		SupersededAt: m.SupersededAt,
	}, nil
}

func chunkToModel(chunk domain.TranscriptChunk) ChunkModel {
	model := ChunkModel{
		ID:           chunk.ID,
		TranscriptID: chunk.TranscriptID,
		SessionID:    chunk.SessionID,
		Seq:          chunk.Seq,
		StartMs:      chunk.StartMs,
		EndMs:        chunk.EndMs,
		Text:         chunk.Text,
		CreatedAt:    chunk.CreatedAt,
	}
	if len(chunk.Embedding) > 0 {
		vec := pgvector.NewVector(chunk.Embedding)
		model.Embedding = &vec
	}
	return model
}

func chunksFromModels(models []ChunkModel) []domain.TranscriptChunk {
	chunks := make([]domain.TranscriptChunk, 0, len(models))
	for _, model := range models {
		var embedding []float32
		if model.Embedding != nil {
			embedding = model.Embedding.Slice()
		}
		chunks = append(chunks, domain.TranscriptChunk{
			ID:           model.ID,
			TranscriptID: model.TranscriptID,
			SessionID:    model.SessionID,
			Seq:          model.Seq,
			StartMs:      model.StartMs,
			EndMs:        model.EndMs,
			Text:         model.Text,
			Embedding:    embedding,
			CreatedAt:    model.CreatedAt,
		})
	}
	return chunks
}

func materialToModel(m domain.StudyMaterial) MaterialModel {
	return MaterialModel{
		ID:            m.ID,
		SessionID:     m.SessionID,
		Type:          string(m.Type),
		Title:         m.Title,
		Content:       m.Content,
		Status:        string(m.Status),
		ReviewComment: m.ReviewComment,
		SourceJobID:   m.SourceJobID,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func materialFromModel(m MaterialModel) domain.StudyMaterial {
	return domain.StudyMaterial{
		ID:            m.ID,
		SessionID:     m.SessionID,
		Type:          domain.MaterialType(m.Type),
		Title:         m.Title,
		Content:       m.Content,
		Status:        domain.MaterialStatus(m.Status),
		ReviewComment: m.ReviewComment,
		SourceJobID:   m.SourceJobID,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}
