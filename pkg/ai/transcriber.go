package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"

	"amplified/pkg/domain"
)

// Transcription is the provider output for one recording.
type Transcription struct {
	Text       string
	DurationMs int64
	Segments   []domain.Segment
}

// Transcriber turns a media URL into timestamped text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL string) (Transcription, error)
}

// OpenAICompatTranscriber downloads media and posts it to /audio/transcriptions
// with response_format=verbose_json.
type OpenAICompatTranscriber struct {
	client *OpenAICompatClient
	model  string
}

// NewOpenAICompatTranscriber builds a transcriber for Whisper-style endpoints.
func NewOpenAICompatTranscriber(client *OpenAICompatClient, model string) *OpenAICompatTranscriber {
	model = strings.TrimSpace(model)
	if model == "" {
		model = "whisper-1"
	}
	return &OpenAICompatTranscriber{client: client, model: model}
}

func (t *OpenAICompatTranscriber) Transcribe(ctx context.Context, mediaURL string) (Transcription, error) {
	u, err := url.Parse(strings.TrimSpace(mediaURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Transcription{}, fmt.Errorf("%w: media url %q", ErrUnsupportedMedia, mediaURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Transcription{}, err
	}
	media, err := t.client.api.client.Do(req)
	if err != nil {
		return Transcription{}, fmt.Errorf("fetch media: %w", err)
	}
	defer media.Body.Close()
	if media.StatusCode >= 400 {
		if media.StatusCode >= 500 || media.StatusCode == http.StatusTooManyRequests {
			return Transcription{}, fmt.Errorf("fetch media: %s", media.Status)
		}
		return Transcription{}, fmt.Errorf("%w: fetch media: %s", ErrUnsupportedMedia, media.Status)
	}

	filename := path.Base(u.Path)
	if filename == "" || filename == "/" || filename == "." {
		filename = "media"
	}
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		err := writeTranscriptionForm(form, t.model, filename, media.Body)
		pw.CloseWithError(err)
	}()

	var resp oaiTranscriptionResponse
	err = t.client.do(ctx, "/audio/transcriptions", form.FormDataContentType(), pr, &resp)
	_ = pr.Close()
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnsupportedMediaType) {
			return Transcription{}, fmt.Errorf("%w: %s", ErrUnsupportedMedia, apiErr.Message)
		}
		return Transcription{}, err
	}
	return resp.toTranscription(), nil
}

func writeTranscriptionForm(form *multipart.Writer, model, filename string, media io.Reader) error {
	if err := form.WriteField("model", model); err != nil {
		return err
	}
	if err := form.WriteField("response_format", "verbose_json"); err != nil {
		return err
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, media); err != nil {
		return err
	}
	return form.Close()
}

type oaiTranscriptionResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (r oaiTranscriptionResponse) toTranscription() Transcription {
	out := Transcription{
		Text:       strings.TrimSpace(r.Text),
		DurationMs: secondsToMs(r.Duration),
		Segments:   make([]domain.Segment, 0, len(r.Segments)),
	}
	for _, seg := range r.Segments {
		out.Segments = append(out.Segments, domain.Segment{
			StartMs: secondsToMs(seg.Start),
			EndMs:   secondsToMs(seg.End),
			Text:    strings.TrimSpace(seg.Text),
		})
	}
	if out.DurationMs <= 0 && len(out.Segments) > 0 {
		out.DurationMs = out.Segments[len(out.Segments)-1].EndMs
	}
	return out
}

func secondsToMs(s float64) int64 {
	return int64(math.Round(s * 1000))
}
