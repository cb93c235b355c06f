package stt

import (
	"context"

	"github.com/lexiqai/salute-stt/internal/audio"
)

// JobStatus is the remote state of an asynchronous recognition task
type JobStatus string

const (
	StatusNew      JobStatus = "NEW"
	StatusRunning  JobStatus = "RUNNING"
	StatusDone     JobStatus = "DONE"
	StatusError    JobStatus = "ERROR"
	StatusCanceled JobStatus = "CANCELED"
)

// Failed reports whether the status is a terminal failure
func (s JobStatus) Failed() bool {
	return s == StatusError || s == StatusCanceled
}

// UploadResult identifies uploaded audio on the remote service
type UploadResult struct {
	RequestFileID string `json:"request_file_id"`
}

// RecognitionJob describes an asynchronous recognition task
type RecognitionJob struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
}

// RecognitionStatus is a job as reported by task:get.
// ResponseFileID is only set once the job is DONE.
type RecognitionStatus struct {
	RecognitionJob
	ResponseFileID string `json:"response_file_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// RecognitionFragment is one recognized piece of text
type RecognitionFragment struct {
	Text           string `json:"text"`
	NormalizedText string `json:"normalized_text"`
}

// SpeakerInfo identifies the speaker of a segment when diarization is enabled
type SpeakerInfo struct {
	SpeakerID int `json:"speaker_id"`
}

// RecognitionSegment is one utterance of the downloaded result
type RecognitionSegment struct {
	Results     []RecognitionFragment `json:"results"`
	EOU         bool                  `json:"eou"`
	Channel     int                   `json:"channel"`
	SpeakerInfo *SpeakerInfo          `json:"speaker_info,omitempty"`
}

// RecognitionResult is the ordered list of segments returned by data:download
type RecognitionResult []RecognitionSegment

// SpeechToTextResult is the flattened transcript
type SpeechToTextResult struct {
	Text           string `json:"text"`
	NormalizedText string `json:"normalized_text"`
}

// MetadataReader returns the stream parameters of an audio file
type MetadataReader interface {
	ReadMetadata(path string) (*audio.Metadata, error)
}

// Transcriber is implemented by Client
type Transcriber interface {
	SpeechToText(ctx context.Context, path string, encoding AudioEncoding) (*SpeechToTextResult, error)
}

// Wire envelopes. Every REST response wraps its payload in {"status", "result"}.

type uploadResponse struct {
	Status int           `json:"status"`
	Result *UploadResult `json:"result"`
}

type recognizeRequest struct {
	Options       recognizeOptions `json:"options"`
	RequestFileID string           `json:"request_file_id"`
}

type recognizeOptions struct {
	Model         string        `json:"model"`
	AudioEncoding AudioEncoding `json:"audio_encoding"`
	SampleRate    int           `json:"sample_rate"`
	ChannelsCount int           `json:"channels_count"`
}

type recognizeResponse struct {
	Status int             `json:"status"`
	Result *RecognitionJob `json:"result"`
}

type statusResponse struct {
	Status int                `json:"status"`
	Result *RecognitionStatus `json:"result"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"` // unix milliseconds
	ExpiresIn   int64  `json:"expires_in"` // seconds, used when expires_at is absent
}
