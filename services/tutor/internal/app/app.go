package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"amplified/internal/util"
	"amplified/pkg/ai"
	"amplified/pkg/domain"
	"amplified/pkg/events"
	"amplified/pkg/pipeline"
	"amplified/pkg/queue"
	"amplified/pkg/retrieval"
	"amplified/pkg/review"
	"amplified/pkg/scheduler"
	"amplified/pkg/storage"
	"amplified/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	EmbeddingDim  int
	RedisAddr     string
	RedisPassword string
	QueuePrefix   string
	QueuePolicy   queue.Config
	Scheduler     scheduler.Config
	Chunking      pipeline.ChunkingConfig
	Retrieval     retrieval.Config
	AI            ai.Config

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	AMQPURL      string
	AMQPExchange string

	Logger *slog.Logger

	// Optional collaborators; when set they replace the ones built from the
	// fields above.
	Store     store.Store
	Queue     queue.Queue
	Provider  *ai.Provider
	Objects   storage.ObjectStore
	Publisher events.Publisher
}

// App is the service context shared by the HTTP server, the worker and the CLI.
type App struct {
	store     store.Store
	queue     queue.Queue
	objects   storage.ObjectStore
	publisher events.Publisher
	scheduler *scheduler.Scheduler
	review    *review.Workflow
	engine    *retrieval.Engine
	logger    *slog.Logger
	closers   []func() error
}

// New constructs the application, falling back to in-memory storage and
// queueing when no database or Redis is configured.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{logger: logger}

	a.store = cfg.Store
	if a.store == nil {
		if cfg.DatabaseURL == "" {
			logger.Warn("databaseURL not set, using in-memory store")
			a.store = store.NewMemoryStore()
		} else {
			gs, err := store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(cfg.EmbeddingDim))
			if err != nil {
				return nil, fmt.Errorf("init postgres store: %w", err)
			}
			a.store = gs
			a.closers = append(a.closers, gs.Close)
		}
	}

	a.queue = cfg.Queue
	if a.queue == nil {
		if cfg.RedisAddr == "" {
			logger.Warn("redisAddr not set, using in-memory job queue")
			a.queue = queue.NewMemoryQueue(cfg.QueuePolicy)
		} else {
			rq, err := queue.NewRedisQueue(queue.RedisQueueConfig{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				Prefix:   cfg.QueuePrefix,
				Queue:    cfg.QueuePolicy,
			})
			if err != nil {
				return nil, fmt.Errorf("init redis queue: %w", err)
			}
			a.queue = rq
			a.closers = append(a.closers, rq.Close)
		}
	}

	a.objects = cfg.Objects
	if a.objects == nil && cfg.MinioEndpoint != "" {
		ms, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init minio: %w", err)
		}
		a.objects = ms
	}

	a.publisher = cfg.Publisher
	if a.publisher == nil {
		if cfg.AMQPURL == "" {
			a.publisher = events.NewLogPublisher(logger)
		} else {
			pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
			if err != nil {
				return nil, fmt.Errorf("init amqp publisher: %w", err)
			}
			a.publisher = pub
		}
	}
	a.closers = append(a.closers, a.publisher.Close)

	var provider ai.Provider
	if cfg.Provider != nil {
		provider = *cfg.Provider
	} else {
		p, err := ai.NewProvider(cfg.AI)
		if err != nil {
			return nil, fmt.Errorf("init ai provider: %w", err)
		}
		provider = p
	}
	if provider.Transcriber == nil {
		logger.Warn("no transcription endpoint configured, transcribe jobs will fail")
	}

	stages := pipeline.NewRegistry(pipeline.Deps{
		Store:       a.store,
		Media:       storage.NewMediaResolver(a.objects, 0),
		Transcriber: provider.Transcriber,
		Embedder:    provider.Embedder,
		Generator:   provider.Generator,
		Chunking:    cfg.Chunking,
	})
	a.scheduler = scheduler.New(a.queue, stages, a.publisher, cfg.Scheduler, logger)
	a.review = review.New(a.store, a.publisher, review.WithLogger(logger))
	if provider.Embedder != nil && provider.Generator != nil {
		engine, err := retrieval.NewEngine(a.store, provider.Embedder, provider.Generator, cfg.Retrieval, logger)
		if err != nil {
			return nil, err
		}
		a.engine = engine
	}
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunWorker runs the job scheduler until ctx is canceled.
func (a *App) RunWorker(ctx context.Context) error {
	return a.scheduler.Run(ctx)
}

// NewSession is the input of CreateSession.
type NewSession struct {
	CourseID       string    `json:"course_id"`
	Title          string    `json:"title"`
	Description    *string   `json:"description,omitempty"`
	SessionDate    time.Time `json:"session_date"`
	VideoSourceURL string    `json:"video_source_url"`
}

// CreateSession stores a session and queues its transcription.
func (a *App) CreateSession(ctx context.Context, in NewSession) (domain.Session, domain.ProcessingJob, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.CourseID = strings.TrimSpace(in.CourseID)
	in.VideoSourceURL = strings.TrimSpace(in.VideoSourceURL)
	if in.Title == "" || in.CourseID == "" {
		return domain.Session{}, domain.ProcessingJob{}, fmt.Errorf("%w: course_id and title required", domain.ErrValidation)
	}
	if in.VideoSourceURL == "" {
		return domain.Session{}, domain.ProcessingJob{}, fmt.Errorf("%w: video_source_url required", domain.ErrValidation)
	}
	now := time.Now().UTC()
	if in.SessionDate.IsZero() {
		in.SessionDate = now
	}
	session := domain.Session{
		ID:             util.NewID(),
		CourseID:       in.CourseID,
		Title:          in.Title,
		Description:    in.Description,
		SessionDate:    in.SessionDate.UTC(),
		VideoSourceURL: in.VideoSourceURL,
		Status:         domain.SessionDraft,
		CreatedAt:      now,
	}
	if err := a.store.SaveSession(ctx, session); err != nil {
		return domain.Session{}, domain.ProcessingJob{}, fmt.Errorf("save session: %w", err)
	}
	job, err := a.enqueue(ctx, session.ID, domain.JobTranscribe)
	if err != nil {
		return session, domain.ProcessingJob{}, err
	}
	return session, job, nil
}

// GetSession returns one session.
func (a *App) GetSession(ctx context.Context, id string) (domain.Session, error) {
	session, ok, err := a.store.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return domain.Session{}, domain.NotFoundError("session", id)
	}
	return session, nil
}

// EnqueueTranscription queues a (re-)transcription of a session.
func (a *App) EnqueueTranscription(ctx context.Context, sessionID string) (domain.ProcessingJob, error) {
	if _, err := a.GetSession(ctx, sessionID); err != nil {
		return domain.ProcessingJob{}, err
	}
	return a.enqueue(ctx, sessionID, domain.JobTranscribe)
}

func (a *App) enqueue(ctx context.Context, sessionID string, jobType domain.JobType) (domain.ProcessingJob, error) {
	job, err := a.queue.Enqueue(ctx, sessionID, jobType)
	if err != nil {
		return domain.ProcessingJob{}, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	a.jobChanged(ctx, job)
	return job, nil
}

// GetTranscript returns the session's current transcript and its chunks.
func (a *App) GetTranscript(ctx context.Context, sessionID string) (domain.TranscriptWithChunks, error) {
	if _, err := a.GetSession(ctx, sessionID); err != nil {
		return domain.TranscriptWithChunks{}, err
	}
	transcript, ok, err := a.store.CurrentTranscript(ctx, sessionID)
	if err != nil {
		return domain.TranscriptWithChunks{}, fmt.Errorf("load transcript: %w", err)
	}
	if !ok {
		return domain.TranscriptWithChunks{}, domain.NotFoundError("transcript for session", sessionID)
	}
	chunks, err := a.store.ListChunks(ctx, transcript.ID)
	if err != nil {
		return domain.TranscriptWithChunks{}, fmt.Errorf("load chunks: %w", err)
	}
	return domain.TranscriptWithChunks{Transcript: transcript, Chunks: chunks}, nil
}

// ListMaterials lists the study materials of a session.
func (a *App) ListMaterials(ctx context.Context, sessionID string) ([]domain.StudyMaterial, error) {
	if _, err := a.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	items, err := a.store.ListMaterials(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list materials: %w", err)
	}
	return items, nil
}

// SubmitMaterial sends a draft to review.
func (a *App) SubmitMaterial(ctx context.Context, id string) (domain.StudyMaterial, error) {
	return a.review.Submit(ctx, id)
}

// ApproveMaterial approves a material under review.
func (a *App) ApproveMaterial(ctx context.Context, id string) (domain.StudyMaterial, error) {
	return a.review.Approve(ctx, id)
}

// RejectMaterial returns a material under review to draft with a comment.
func (a *App) RejectMaterial(ctx context.Context, id, comment string) (domain.StudyMaterial, error) {
	return a.review.Reject(ctx, id, comment)
}

// PublishMaterial publishes an approved material.
func (a *App) PublishMaterial(ctx context.Context, id string) (domain.StudyMaterial, error) {
	return a.review.Publish(ctx, id)
}

// ListJobs lists jobs newest first.
func (a *App) ListJobs(ctx context.Context, filter queue.Filter) ([]domain.ProcessingJob, error) {
	return a.queue.List(ctx, filter)
}

// GetJob returns one job.
func (a *App) GetJob(ctx context.Context, id string) (domain.ProcessingJob, error) {
	return a.queue.Get(ctx, id)
}

// JobEvents returns a job's timeline, oldest first.
func (a *App) JobEvents(ctx context.Context, id string) ([]domain.JobEvent, error) {
	return a.queue.Events(ctx, id)
}

// RetryJob re-queues a failed or canceled job.
func (a *App) RetryJob(ctx context.Context, id string) (domain.ProcessingJob, error) {
	job, err := a.queue.Retry(ctx, id)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	a.jobChanged(ctx, job)
	return job, nil
}

// CancelJob cancels a queued job or flags a running one.
func (a *App) CancelJob(ctx context.Context, id string) (domain.ProcessingJob, error) {
	job, err := a.queue.Cancel(ctx, id)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	a.jobChanged(ctx, job)
	return job, nil
}

func (a *App) jobChanged(ctx context.Context, job domain.ProcessingJob) {
	if err := a.publisher.Publish(ctx, events.ForJob(util.NewID(), job, time.Now().UTC())); err != nil {
		util.LoggerFromContext(ctx).Warn("publish job event failed", "job_id", job.ID, "err", err)
	}
	if job.Status == domain.JobQueued {
		a.scheduler.Notify()
	}
}

// Ask answers a question from the session's transcript, or from all sessions
// when sessionID is nil.
func (a *App) Ask(ctx context.Context, question string, sessionID *string) (domain.ChatResponse, error) {
	if a.engine == nil {
		return domain.ChatResponse{}, ErrQuestionAnsweringDisabled
	}
	return a.engine.Answer(ctx, question, sessionID)
}

// Feedback is a student's rating of an answer.
type Feedback struct {
	SessionID string `json:"session_id,omitempty"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	Helpful   bool   `json:"helpful"`
	Comment   string `json:"comment,omitempty"`
}

// RecordFeedback logs answer feedback with the request id.
func (a *App) RecordFeedback(ctx context.Context, fb Feedback) error {
	if strings.TrimSpace(fb.Question) == "" {
		return fmt.Errorf("%w: question required", domain.ErrValidation)
	}
	util.LoggerFromContext(ctx).Info("chat feedback",
		"request_id", util.RequestIDFromContext(ctx),
		"session_id", fb.SessionID,
		"helpful", fb.Helpful,
		"comment", fb.Comment,
	)
	return nil
}

// RAGHealth summarizes the retrievable chunk corpus.
func (a *App) RAGHealth(ctx context.Context) (domain.ChunkStats, error) {
	stats, err := a.store.ChunkStats(ctx)
	if err != nil {
		return domain.ChunkStats{}, fmt.Errorf("chunk stats: %w", err)
	}
	return stats, nil
}

// UploadMedia stores a recording in object storage and returns the reference
// to use as a session's video_source_url.
func (a *App) UploadMedia(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if a.objects == nil {
		return "", ErrMediaStorageDisabled
	}
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("%w: object key required", domain.ErrValidation)
	}
	if err := a.objects.Put(ctx, key, r, size, contentType); err != nil {
		return "", err
	}
	return storage.Ref(a.objects.Bucket(), key), nil
}
