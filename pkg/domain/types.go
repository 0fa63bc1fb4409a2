package domain

import "time"

// ProcessingJob is one unit of pipeline work for a session.
type ProcessingJob struct {
	ID              string        `json:"job_id"`
	Type            JobType       `json:"type"`
	SessionID       string        `json:"session_id"`
	MaterialType    *MaterialType `json:"material_type,omitempty"`
	Status          JobStatus     `json:"status"`
	QueuedAt        time.Time     `json:"queued_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	AssignedTo      *string       `json:"assigned_to,omitempty"`
	HeartbeatAt     *time.Time    `json:"heartbeat_at,omitempty"`
	NotBefore       *time.Time    `json:"not_before,omitempty"`
	LastEvent       string        `json:"last_event"`
	AttemptCount    int           `json:"attempt_count"`
	MaxAttempts     int           `json:"max_attempts"`
	CancelRequested bool          `json:"cancel_requested"`
}

// JobEvent is one entry of a job's timeline.
type JobEvent struct {
	ID        string    `json:"event_id"`
	JobID     string    `json:"job_id"`
	Type      JobStatus `json:"event_type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a recorded tutoring event.
type Session struct {
	ID             string        `json:"session_id"`
	CourseID       string        `json:"course_id"`
	Title          string        `json:"title"`
	Description    *string       `json:"description,omitempty"`
	SessionDate    time.Time     `json:"session_date"`
	VideoSourceURL string        `json:"video_source_url"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Segment is a timestamped span returned by the transcription provider.
type Segment struct {
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

// Transcript is the full text of a session recording.
type Transcript struct {
	ID           string     `json:"transcript_id"`
	SessionID    string     `json:"session_id"`
	FullText     string     `json:"full_text"`
	DurationMs   int64      `json:"duration_ms"`
	Segments     []Segment  `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// Current reports whether the transcript has not been replaced by a re-run.
func (t Transcript) Current() bool {
	return t.SupersededAt == nil
}

// TranscriptChunk is a time-bounded slice of a transcript.
type TranscriptChunk struct {
	ID           string    `json:"chunk_id"`
	TranscriptID string    `json:"transcript_id"`
	SessionID    string    `json:"session_id"`
	Seq          int       `json:"seq"`
	StartMs      int64     `json:"start_ms"`
	EndMs        int64     `json:"end_ms"`
	Text         string    `json:"text"`
	Embedding    []float32 `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// TranscriptWithChunks is the transcript read model served to clients.
type TranscriptWithChunks struct {
	Transcript Transcript        `json:"transcript"`
	Chunks     []TranscriptChunk `json:"chunks"`
}

// StudyMaterial is a generated artifact that goes through review.
type StudyMaterial struct {
	ID            string         `json:"material_id"`
	SessionID     string         `json:"session_id"`
	Type          MaterialType   `json:"type"`
	Title         string         `json:"title"`
	Content       string         `json:"content"`
	Status        MaterialStatus `json:"status"`
	ReviewComment *string        `json:"review_comment,omitempty"`
	SourceJobID   string         `json:"source_job_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ChatCitation references a chunk used as evidence.
type ChatCitation struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// ChatResponse is the answer to a student question.
type ChatResponse struct {
	Answer    string         `json:"answer"`
	Citations []ChatCitation `json:"citations"`
	Grounded  bool           `json:"grounded"`
}

// ChunkStats summarizes the retrievable chunk corpus.
type ChunkStats struct {
	ChunkCount     int        `json:"transcript_chunks_count"`
	AvgChunkLength float64    `json:"avg_chunk_len"`
	LastEmbedAt    *time.Time `json:"last_embed_at,omitempty"`
}
