package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/salute-stt/internal/audio"
	"github.com/lexiqai/salute-stt/internal/resilience"
)

const testAuthKey = "dGVzdC1pZDp0ZXN0LXNlY3JldA=="

// fakeClock advances its own time on Sleep instead of blocking
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeService emulates the SaluteSpeech token and REST endpoints
type fakeService struct {
	t      *testing.T
	clock  *fakeClock
	server *httptest.Server

	mu            sync.Mutex
	tokenCalls    int
	uploadCalls   int
	startCalls    int
	statusCalls   int
	downloadCalls int

	tokenTTL       time.Duration
	tokenStatus    int
	tokenBody      string // overrides the generated token response when set
	uploadStatus   int
	uploadBody     string
	startStatus    int
	statusCode     int
	downloadStatus int
	statuses       []JobStatus // returned in order; the last one repeats
	statusError    string
	onStatus       func(call int)
	onToken        func() // runs before the token response is written
	result         string

	tokenHeaders   http.Header
	tokenScope     string
	uploadedBytes  []byte
	uploadedType   string
	recognize      recognizeRequest
	polledIDs      []string
	downloadFileID string
	bearers        []string
}

func newFakeService(t *testing.T, clock *fakeClock) *fakeService {
	s := &fakeService{
		t:              t,
		clock:          clock,
		tokenTTL:       30 * time.Minute,
		tokenStatus:    http.StatusOK,
		uploadStatus:   http.StatusOK,
		startStatus:    http.StatusOK,
		statusCode:     http.StatusOK,
		downloadStatus: http.StatusOK,
		statuses:       []JobStatus{StatusDone},
		result:         `[{"results":[{"text":"hello world","normalized_text":"hello world"}],"eou":true,"channel":0}]`,
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/oauth":
		s.handleToken(w, r)
		return
	}

	s.mu.Lock()
	s.bearers = append(s.bearers, r.Header.Get("Authorization"))
	s.mu.Unlock()

	switch r.URL.Path {
	case "/rest/v1/data:upload":
		s.handleUpload(w, r)
	case "/rest/v1/speech:async_recognize":
		s.handleStart(w, r)
	case "/rest/v1/task:get":
		s.handleStatus(w, r)
	case "/rest/v1/data:download":
		s.handleDownload(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *fakeService) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.t.Errorf("Failed to parse token form: %v", err)
	}

	s.mu.Lock()
	s.tokenCalls++
	n := s.tokenCalls
	s.tokenHeaders = r.Header.Clone()
	s.tokenScope = r.PostForm.Get("scope")
	status, body, hook := s.tokenStatus, s.tokenBody, s.onToken
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	if status != http.StatusOK {
		http.Error(w, `{"code":6,"message":"credentials doesn't match db data"}`, status)
		return
	}
	if body == "" {
		body = fmt.Sprintf(`{"access_token":"token-%d","expires_at":%d}`, n, s.clock.Now().Add(s.tokenTTL).UnixMilli())
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func (s *fakeService) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.uploadCalls++
	s.uploadedBytes = data
	s.uploadedType = r.Header.Get("Content-Type")
	status, body := s.uploadStatus, s.uploadBody
	s.mu.Unlock()

	if body == "" {
		body = `{"status":200,"result":{"request_file_id":"req-file-1"}}`
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (s *fakeService) handleStart(w http.ResponseWriter, r *http.Request) {
	var req recognizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.t.Errorf("Failed to decode recognize request: %v", err)
	}

	s.mu.Lock()
	s.startCalls++
	s.recognize = req
	status := s.startStatus
	s.mu.Unlock()

	w.WriteHeader(status)
	if status != http.StatusOK {
		_, _ = io.WriteString(w, `{"status":400,"message":"invalid options"}`)
		return
	}
	_, _ = io.WriteString(w, `{"status":200,"result":{"id":"task-1","status":"NEW","created_at":"2024-01-01T12:00:00+03:00","updated_at":"2024-01-01T12:00:00+03:00"}}`)
}

func (s *fakeService) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.statusCalls++
	call := s.statusCalls
	s.polledIDs = append(s.polledIDs, r.URL.Query().Get("id"))
	idx := call - 1
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	status := s.statuses[idx]
	code, hook, remoteErr := s.statusCode, s.onStatus, s.statusError
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	w.WriteHeader(code)
	if code != http.StatusOK {
		return
	}

	result := map[string]interface{}{
		"id":         r.URL.Query().Get("id"),
		"status":     status,
		"created_at": "2024-01-01T12:00:00+03:00",
		"updated_at": "2024-01-01T12:00:01+03:00",
	}
	if status == StatusDone {
		result["response_file_id"] = "resp-file-1"
	}
	if remoteErr != "" {
		result["error"] = remoteErr
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": 200, "result": result})
}

func (s *fakeService) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.downloadCalls++
	s.downloadFileID = r.URL.Query().Get("response_file_id")
	status, body := s.downloadStatus, s.result
	s.mu.Unlock()

	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (s *fakeService) counts() (token, upload, start, status, download int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls, s.uploadCalls, s.startCalls, s.statusCalls, s.downloadCalls
}

func (s *fakeService) newClient(t *testing.T, metadata MetadataReader) *Client {
	t.Helper()

	logger := zerolog.Nop()
	client, err := NewClient(Options{
		AuthKey:   testAuthKey,
		SessionID: "session-1",
		TokenURL:  s.server.URL + "/oauth",
		BaseURL:   s.server.URL + "/rest/v1/",
		Poll: &resilience.PollConfig{
			Interval:   time.Second,
			MaxWait:    5 * time.Minute,
			Multiplier: 1.0,
		},
		HTTPClient: s.server.Client(),
		Metadata:   metadata,
		Clock:      s.clock,
		Logger:     &logger,
	})
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	return client
}

// stubMetadata returns fixed stream parameters
type stubMetadata struct {
	meta  *audio.Metadata
	err   error
	calls int
}

func (m *stubMetadata) ReadMetadata(path string) (*audio.Metadata, error) {
	m.calls++
	return m.meta, m.err
}

// writeWAV writes a minimal PCM-16 WAV file and returns its path and contents
func writeWAV(t *testing.T, sampleRate, channels int) (string, []byte) {
	t.Helper()

	pcm := make([]byte, 320*channels)
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(header[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))

	data := append(header, pcm...)
	path := filepath.Join(t.TempDir(), "speech.wav")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("Failed to write WAV: %v", err)
	}
	return path, data
}
