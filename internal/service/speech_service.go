package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"expense-ingest/internal/models"
	"expense-ingest/pkg/config"
	"expense-ingest/pkg/retry"

	"go.uber.org/zap"
)

// SpeechService is the speech-to-text provider. It talks to any
// Whisper-compatible /audio/transcriptions endpoint.
type SpeechService struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	logger     *zap.Logger
}

func NewSpeechService(cfg *config.SpeechConfig, logger *zap.Logger) *SpeechService {
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	return &SpeechService{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      model,
		logger:     logger,
	}
}

func (s *SpeechService) Name() string {
	return "whisper"
}

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		AvgLogprob   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

func (s *SpeechService) Transcribe(ctx context.Context, audio []byte, languageHint string) (*models.Transcript, error) {
	if len(audio) == 0 {
		return nil, retry.Permanent(errors.New("empty audio"))
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", audioFileName(audio))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("failed to copy audio: %w", err)
	}
	fields := map[string]string{
		"model":           s.model,
		"response_format": "verbose_json",
	}
	if lang := strings.TrimSpace(languageHint); lang != "" {
		fields["language"] = lang
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write %s field: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, statusError("transcription", resp.StatusCode, bodyBytes)
	}

	var tr transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode transcription: %w", err)
	}

	text := strings.TrimSpace(sanitizeUTF8(tr.Text))
	if text == "" {
		return nil, retry.Permanent(errors.New("audio is unintelligible"))
	}

	transcript := &models.Transcript{
		Text:             text,
		DetectedLanguage: tr.Language,
		DurationSeconds:  tr.Duration,
		Confidence:       segmentConfidence(tr),
	}

	s.logger.Info("Audio transcribed",
		zap.String("language", tr.Language),
		zap.Float64("duration_seconds", tr.Duration),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("confidence_reported", transcript.Confidence != nil),
	)
	return transcript, nil
}

// segmentConfidence averages per-segment token probability, discounted by the
// no-speech probability. Nil when the provider returned no segments.
func segmentConfidence(tr transcriptionResponse) *float64 {
	if len(tr.Segments) == 0 {
		return nil
	}
	var sum float64
	for _, seg := range tr.Segments {
		sum += math.Exp(seg.AvgLogprob) * (1 - seg.NoSpeechProb)
	}
	c := sum / float64(len(tr.Segments))
	if math.IsNaN(c) || c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return &c
}

func audioFileName(audio []byte) string {
	switch {
	case bytes.HasPrefix(audio, []byte("OggS")):
		return "audio.ogg"
	case bytes.HasPrefix(audio, []byte("RIFF")):
		return "audio.wav"
	case bytes.HasPrefix(audio, []byte("ID3")), len(audio) > 1 && audio[0] == 0xFF && audio[1]&0xE0 == 0xE0:
		return "audio.mp3"
	case bytes.HasPrefix(audio, []byte("\x1aE\xdf\xa3")):
		return "audio.webm"
	case len(audio) > 8 && string(audio[4:8]) == "ftyp":
		return "audio.m4a"
	default:
		return "audio.ogg"
	}
}
