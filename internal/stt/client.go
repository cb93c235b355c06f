// Package stt implements a client for the SaluteSpeech asynchronous
// recognition REST API: token exchange, audio upload, job start, status
// polling and result download.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/salute-stt/internal/audio"
	"github.com/lexiqai/salute-stt/internal/config"
	"github.com/lexiqai/salute-stt/internal/observability"
	"github.com/lexiqai/salute-stt/internal/resilience"
)

// Default service endpoints and parameters
const (
	DefaultTokenURL = "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"
	DefaultBaseURL  = "https://smartspeech.sber.ru/rest/v1"
	DefaultScope    = "SALUTE_SPEECH_PERS"
	DefaultModel    = "general"
)

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	AuthKey   string
	SessionID string
	Scope     string
	TokenURL  string
	BaseURL   string
	Model     string

	Poll *resilience.PollConfig // MaxWait doubles as the token expiry margin

	HTTPClient *http.Client
	Metadata   MetadataReader
	Clock      resilience.Clock
	Logger     *zerolog.Logger
}

// Client runs speech-to-text operations against SaluteSpeech
type Client struct {
	httpClient *http.Client
	tokens     *TokenManager
	metadata   MetadataReader
	clock      resilience.Clock
	poll       resilience.PollConfig
	baseURL    string
	model      string
	sessionID  string
	logger     zerolog.Logger
}

var _ Transcriber = (*Client)(nil)

// NewClient creates a new SaluteSpeech client
func NewClient(opts Options) (*Client, error) {
	if opts.AuthKey == "" {
		return nil, fmt.Errorf("auth key cannot be empty")
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	poll := resilience.DefaultPollConfig()
	if opts.Poll != nil {
		p := *opts.Poll
		poll = &p
	}
	if poll.MaxWait <= 0 || poll.Interval <= 0 {
		return nil, fmt.Errorf("poll interval and max wait must be positive")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = resilience.SystemClock{}
	}
	metadata := opts.Metadata
	if metadata == nil {
		metadata = audio.NewFileMetadataReader(0, 0)
	}

	logger := observability.GetLogger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = observability.WithSessionID(logger, sessionID)

	tokens := NewTokenManager(TokenConfig{
		TokenURL:  orDefault(opts.TokenURL, DefaultTokenURL),
		AuthKey:   opts.AuthKey,
		Scope:     orDefault(opts.Scope, DefaultScope),
		SessionID: sessionID,
		Margin:    poll.MaxWait,
	}, httpClient, clock, logger)

	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		metadata:   metadata,
		clock:      clock,
		poll:       *poll,
		baseURL:    strings.TrimRight(orDefault(opts.BaseURL, DefaultBaseURL), "/"),
		model:      orDefault(opts.Model, DefaultModel),
		sessionID:  sessionID,
		logger:     logger,
	}, nil
}

// NewClientFromConfig builds a Client with the transport, metadata reader and
// polling schedule described by cfg
func NewClientFromConfig(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	httpClient, err := NewHTTPClient(cfg.HTTPTimeoutDuration(), cfg.CACertFile)
	if err != nil {
		return nil, err
	}

	return NewClient(Options{
		AuthKey:   cfg.AuthKey,
		SessionID: cfg.SessionID,
		Scope:     cfg.Scope,
		TokenURL:  cfg.TokenURL,
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		Poll: &resilience.PollConfig{
			Interval:    cfg.PollIntervalDuration(),
			MaxWait:     cfg.MaxWaitDuration(),
			Multiplier:  cfg.PollMultiplier,
			MaxInterval: cfg.PollMaxIntervalDuration(),
		},
		HTTPClient: httpClient,
		Metadata:   audio.NewFileMetadataReader(cfg.FallbackSampleRate, cfg.FallbackChannels),
		Logger:     &logger,
	})
}

// SessionID returns the RqUID sent with token requests
func (c *Client) SessionID() string {
	return c.sessionID
}

// Tokens returns the client's token manager
func (c *Client) Tokens() *TokenManager {
	return c.tokens
}

// UploadAudio streams the file at path to data:upload
func (c *Client) UploadAudio(ctx context.Context, path string, contentType string) (*UploadResult, error) {
	op := observability.StageUpload

	f, err := os.Open(path)
	if err != nil {
		return nil, newError(op, ErrUpload, fmt.Errorf("failed to open audio file: %w", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, newError(op, ErrUpload, fmt.Errorf("failed to stat audio file: %w", err))
	}

	req, err := c.newAuthorizedRequest(ctx, op, ErrUpload, http.MethodPost, c.endpoint("data:upload", nil), f)
	if err != nil {
		return nil, err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)

	c.logger.Debug().Str("path", path).Int64("size", info.Size()).Str("content_type", contentType).Msg("Uploading audio")

	body, err := c.do(req, op, ErrUpload)
	if err != nil {
		return nil, err
	}
	observability.RecordAudioBytes(info.Size())

	var resp uploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Op: op, Kind: ErrUpload, Body: preview(body), Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if resp.Result == nil || resp.Result.RequestFileID == "" {
		return nil, &Error{Op: op, Kind: ErrUpload, Body: preview(body), Err: fmt.Errorf("response carries no request_file_id")}
	}

	return resp.Result, nil
}

// StartRecognition creates an asynchronous recognition job for uploaded audio
func (c *Client) StartRecognition(ctx context.Context, upload *UploadResult, sampleRate, channels int, encoding AudioEncoding) (*RecognitionJob, error) {
	op := observability.StageStart

	if upload == nil || upload.RequestFileID == "" {
		return nil, newError(op, ErrRecognitionStart, fmt.Errorf("missing request file id"))
	}

	payload, err := json.Marshal(recognizeRequest{
		Options: recognizeOptions{
			Model:         c.model,
			AudioEncoding: encoding,
			SampleRate:    sampleRate,
			ChannelsCount: channels,
		},
		RequestFileID: upload.RequestFileID,
	})
	if err != nil {
		return nil, newError(op, ErrRecognitionStart, fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := c.newAuthorizedRequest(ctx, op, ErrRecognitionStart, http.MethodPost, c.endpoint("speech:async_recognize", nil), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, op, ErrRecognitionStart)
	if err != nil {
		return nil, err
	}

	var resp recognizeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Op: op, Kind: ErrRecognitionStart, Body: preview(body), Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if resp.Result == nil || resp.Result.ID == "" {
		return nil, &Error{Op: op, Kind: ErrRecognitionStart, Body: preview(body), Err: fmt.Errorf("response carries no task id")}
	}

	c.logger.Debug().Str("task_id", resp.Result.ID).Str("status", string(resp.Result.Status)).Msg("Recognition task created")
	return resp.Result, nil
}

// GetStatus queries task:get once
func (c *Client) GetStatus(ctx context.Context, jobID string) (*RecognitionStatus, error) {
	op := observability.StagePoll

	req, err := c.newAuthorizedRequest(ctx, op, ErrTransport, http.MethodGet, c.endpoint("task:get", url.Values{"id": {jobID}}), nil)
	if err != nil {
		return nil, err
	}

	body, err := c.do(req, op, ErrTransport)
	if err != nil {
		return nil, err
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Result == nil {
		if err == nil {
			err = fmt.Errorf("response carries no result")
		}
		return nil, &Error{Op: op, Kind: ErrTransport, Body: preview(body), Err: fmt.Errorf("failed to parse status: %w", err)}
	}

	return resp.Result, nil
}

// WaitForCompletion polls the job until it is DONE, fails, or the max wait elapses
func (c *Client) WaitForCompletion(ctx context.Context, job *RecognitionJob) (*RecognitionStatus, error) {
	return c.waitForCompletion(ctx, job, nil)
}

func (c *Client) waitForCompletion(ctx context.Context, job *RecognitionJob, tracker *observability.TranscriptionMetrics) (*RecognitionStatus, error) {
	op := observability.StagePoll
	var final *RecognitionStatus

	err := resilience.Poll(ctx, c.clock, &c.poll, func(ctx context.Context, attempt int) (bool, error) {
		if tracker != nil {
			tracker.RecordPollQuery()
		}

		status, err := c.GetStatus(ctx, job.ID)
		if err != nil {
			return false, err
		}

		c.logger.Debug().Str("task_id", job.ID).Int("attempt", attempt+1).Str("status", string(status.Status)).Msg("Polled recognition task")

		switch {
		case status.Status == StatusDone:
			final = status
			return true, nil
		case status.Status.Failed():
			return false, &Error{Op: op, Kind: ErrRecognitionFailed, Body: fmt.Sprintf("task %s is %s: %s", job.ID, status.Status, status.Error)}
		}
		return false, nil
	})

	if errors.Is(err, resilience.ErrPollTimeout) {
		c.logger.Warn().Str("task_id", job.ID).Dur("max_wait", c.poll.MaxWait).Msg("Recognition task did not finish in time")
		return nil, newError(op, ErrRecognitionTimeout, err)
	}
	var sttErr *Error
	if err != nil && !errors.As(err, &sttErr) {
		// Cancelled while waiting between queries
		return nil, newError(op, ErrTransport, err)
	}
	if err != nil {
		return nil, err
	}
	return final, nil
}

// FetchResult downloads the recognition result referenced by a DONE status
func (c *Client) FetchResult(ctx context.Context, status *RecognitionStatus) (RecognitionResult, error) {
	op := observability.StageDownload

	if status == nil || status.ResponseFileID == "" {
		return nil, newError(op, ErrResultFetch, fmt.Errorf("status carries no response_file_id"))
	}

	req, err := c.newAuthorizedRequest(ctx, op, ErrResultFetch, http.MethodGet,
		c.endpoint("data:download", url.Values{"response_file_id": {status.ResponseFileID}}), nil)
	if err != nil {
		return nil, err
	}

	body, err := c.do(req, op, ErrResultFetch)
	if err != nil {
		return nil, err
	}

	var result RecognitionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &Error{Op: op, Kind: ErrResultFetch, Body: preview(body), Err: fmt.Errorf("failed to parse result: %w", err)}
	}
	return result, nil
}

// Aggregate flattens every fragment of every segment, in order, into one
// space-separated transcript for both the raw and the normalized text
func Aggregate(result RecognitionResult) SpeechToTextResult {
	var text, normalized strings.Builder
	for _, segment := range result {
		for _, fragment := range segment.Results {
			text.WriteString(" ")
			text.WriteString(fragment.Text)
			normalized.WriteString(" ")
			normalized.WriteString(fragment.NormalizedText)
		}
	}

	return SpeechToTextResult{
		Text:           strings.TrimSpace(text.String()),
		NormalizedText: strings.TrimSpace(normalized.String()),
	}
}

// SpeechToText uploads the file at path, waits for recognition and returns the
// transcript. Any stage failure aborts the whole operation.
func (c *Client) SpeechToText(ctx context.Context, path string, encoding AudioEncoding) (*SpeechToTextResult, error) {
	logger := c.logger.With().Str("path", path).Str("encoding", encoding.String()).Logger()
	tracker := observability.NewTranscriptionMetrics(c.sessionID)
	start := time.Now()

	result, err := c.speechToText(ctx, path, encoding, tracker)
	tracker.RecordEnd(err == nil)
	if err != nil {
		logger.Error().Err(err).Msg("Speech-to-text failed")
		return nil, err
	}

	logger.Info().
		Dur("duration", time.Since(start)).
		Int("poll_queries", tracker.PollQueries()).
		Int("text_length", len(result.Text)).
		Msg("Speech-to-text completed")
	return result, nil
}

func (c *Client) speechToText(ctx context.Context, path string, encoding AudioEncoding, tracker *observability.TranscriptionMetrics) (*SpeechToTextResult, error) {
	if !encoding.Valid() {
		return nil, newError("metadata", ErrInvalidAudio, fmt.Errorf("unsupported audio encoding %q", encoding))
	}

	meta, err := c.metadata.ReadMetadata(path)
	if err != nil {
		return nil, newError("metadata", ErrInvalidAudio, err)
	}

	upload, err := c.UploadAudio(ctx, path, encoding.ContentType(meta.SampleRate))
	if err != nil {
		return nil, err
	}

	job, err := c.StartRecognition(ctx, upload, meta.SampleRate, meta.Channels, encoding)
	if err != nil {
		return nil, err
	}

	status, err := c.waitForCompletion(ctx, job, tracker)
	if err != nil {
		return nil, err
	}

	result, err := c.FetchResult(ctx, status)
	if err != nil {
		return nil, err
	}

	aggregated := Aggregate(result)
	return &aggregated, nil
}

// newAuthorizedRequest obtains a valid token and builds a request carrying it.
// Token failures keep their ErrAuth kind; anything else is reported as kind.
func (c *Client) newAuthorizedRequest(ctx context.Context, op string, kind error, method, endpoint string, body io.Reader) (*http.Request, error) {
	token, err := c.tokens.ValidToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, newError(op, kind, fmt.Errorf("failed to create request: %w", err))
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and returns the body of a 2xx response.
// Network failures are ErrTransport; non-2xx responses are kind.
func (c *Client) do(req *http.Request, op string, kind error) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.RecordStageCall(op, time.Since(start), err)
		c.logger.Warn().Err(err).Str("stage", op).Msg("Request failed")
		return nil, newError(op, ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.RecordStageCall(op, time.Since(start), err)
		return nil, newError(op, ErrTransport, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// Revoked before its expiry; the next call exchanges again
		c.tokens.Invalidate()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := statusError(op, kind, resp.StatusCode, body)
		observability.RecordStageCall(op, time.Since(start), statusErr)
		c.logger.Warn().Str("stage", op).Int("status", resp.StatusCode).Str("body", statusErr.Body).Msg("Request rejected")
		return nil, statusErr
	}

	observability.RecordStageCall(op, time.Since(start), nil)
	return body, nil
}

func (c *Client) endpoint(method string, query url.Values) string {
	u := c.baseURL + "/" + method
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
