// Package cloud transcribes through an OpenAI-compatible audio API.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"dropscribe/internal/backend"
	"dropscribe/internal/failure"
	"dropscribe/internal/logging"
	"dropscribe/internal/media"
)

const (
	// Name identifies the engine in logs and the worker protocol.
	Name = "openai"

	// maxUploadBytes is the API's request size limit for audio files.
	maxUploadBytes = 25 << 20
	requestTimeout = 10 * time.Minute
)

// Config selects the endpoint and model.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Backend uploads extracted audio and streams back the returned segments.
type Backend struct {
	cfg    Config
	client openai.Client
	logger *slog.Logger
}

// New builds the backend. The client is created even without a key so
// Check can report the problem.
func New(cfg Config, logger *slog.Logger) *Backend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(2),
		option.WithRequestTimeout(requestTimeout),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = string(openai.AudioModelWhisper1)
	}
	return &Backend{
		cfg:    cfg,
		client: openai.NewClient(opts...),
		logger: logging.NewComponentLogger(logger, "cloud"),
	}
}

func (b *Backend) Name() string        { return Name }
func (b *Backend) Input() media.Format { return media.FormatOpus }

// Check requires an API key.
func (b *Backend) Check() error {
	if strings.TrimSpace(b.cfg.APIKey) == "" {
		return failure.Wrap(failure.ErrConfiguration, "preparing", "cloud", "API key missing; set cloud.api_key or OPENAI_API_KEY", nil)
	}
	return nil
}

// verboseTranscription is the verbose_json response body.
type verboseTranscription struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe uploads req.MediaPath and replays the returned segments through
// the request callbacks, checking for cancellation between segments.
func (b *Backend) Transcribe(ctx context.Context, req backend.Request) (backend.Transcript, error) {
	if err := b.Check(); err != nil {
		return backend.Transcript{}, err
	}
	lang, err := backend.NormalizeLanguage(req.Language)
	if err != nil {
		return backend.Transcript{}, err
	}

	file, err := os.Open(req.MediaPath)
	if err != nil {
		return backend.Transcript{}, failure.Wrap(failure.ErrBackendFailed, "transcribing", "cloud", "open audio", err)
	}
	defer file.Close()
	if info, err := file.Stat(); err == nil && info.Size() > maxUploadBytes {
		return backend.Transcript{}, failure.Wrap(failure.ErrValidation, "transcribing", "cloud",
			fmt.Sprintf("audio is %d MB after compression; the API accepts at most %d MB", info.Size()>>20, maxUploadBytes>>20), nil)
	}

	params := openai.AudioTranscriptionNewParams{
		File:           file,
		Model:          openai.AudioModel(b.cfg.Model),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	}
	if lang != "" {
		params.Language = openai.String(lang)
	}
	if prompt := strings.TrimSpace(req.InitialPrompt); prompt != "" {
		params.Prompt = openai.String(prompt)
	}

	// Nothing to load remotely; the upload is the decoding phase.
	req.Loaded()
	b.logger.Info("uploading audio", logging.String("model", b.cfg.Model), logging.String("language", lang))

	var resp verboseTranscription
	if err := b.client.Post(ctx, "audio/transcriptions", params, &resp); err != nil {
		if ctx.Err() != nil {
			return backend.Transcript{}, ctx.Err()
		}
		return backend.Transcript{}, classify(err)
	}

	total := resp.Duration
	if total <= 0 {
		total = req.Duration.Seconds()
	}
	segments := make([]backend.Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		if err := ctx.Err(); err != nil {
			return backend.Transcript{}, err
		}
		seg := backend.Segment{
			Start: seconds(s.Start),
			End:   seconds(s.End),
			Text:  strings.TrimSpace(s.Text),
		}
		segments = append(segments, seg)
		req.Segment(seg)
		if total > 0 {
			req.Progress(s.End, total)
		}
	}

	text := strings.TrimSpace(resp.Text)
	if len(segments) > 0 {
		text = backend.JoinSegments(segments)
	}
	if lang == "" {
		lang = resp.Language
	}
	return backend.Transcript{
		Segments: segments,
		Duration: seconds(total),
		Language: lang,
		Text:     text,
	}, nil
}

// classify maps API errors onto the failure taxonomy.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return failure.Wrap(failure.ErrConfiguration, "transcribing", "cloud", "API key rejected", err)
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
			return failure.Wrap(failure.ErrValidation, "transcribing", "cloud", "request rejected", err)
		}
	}
	return failure.Wrap(failure.ErrBackendFailed, "transcribing", "cloud", "request failed", err)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
