package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeGemini emulates the subset of the Files and GenerateContent APIs the client uses.
type fakeGemini struct {
	mu        sync.Mutex
	files     map[string]Artifact
	uploaded  []byte
	states    []State
	gets      int
	reply     string
	rawReply  string
	lastKey   string
	generated []generateRequest
	srv       *httptest.Server
}

func newFakeGemini(t *testing.T, states []State, reply string) *fakeGemini {
	f := &fakeGemini{files: map[string]Artifact{}, states: states, reply: reply}
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/v1beta/files", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastKey = r.Header.Get("x-goog-api-key")
		f.mu.Unlock()
		if r.Header.Get("X-Goog-Upload-Command") != "start" {
			http.Error(w, "bad command", http.StatusBadRequest)
			return
		}
		w.Header().Set("X-Goog-Upload-URL", f.srv.URL+"/resumable/session-1")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/resumable/session-1", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		a := Artifact{Name: "files/abc", DisplayName: "clip", MimeType: "video/mp4", URI: f.srv.URL + "/v1beta/files/abc", State: StateProcessing}
		f.mu.Lock()
		f.uploaded = body
		f.files[a.Name] = a
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(fileEnvelope{File: a})
	})
	mux.HandleFunc("/v1beta/files/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/v1beta/")
		f.mu.Lock()
		defer f.mu.Unlock()
		a, ok := f.files[name]
		if !ok {
			http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			if f.gets < len(f.states) {
				a.State = f.states[f.gets]
			}
			f.gets++
			_ = json.NewEncoder(w).Encode(a)
		case http.MethodDelete:
			delete(f.files, name)
			_, _ = w.Write([]byte("{}"))
		}
	})
	mux.HandleFunc("/v1beta/models/gemini-test:generateContent", func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.generated = append(f.generated, req)
		raw := f.rawReply
		f.mu.Unlock()
		if raw != "" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(raw))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{map[string]any{"text": f.reply}}}}},
		})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeMedia(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "media.mp4")
	if err := os.WriteFile(path, []byte("fake-video-bytes"), 0o600); err != nil {
		t.Fatalf("write media: %v", err)
	}
	return path
}

func TestGeminiAnalyzeHappyPath(t *testing.T) {
	reply := "```json\n{\"status\":\"flagged\",\"reason\":\"violence\"}\n```"
	fake := newFakeGemini(t, []State{StateProcessing, StateActive}, reply)
	client := NewGeminiClient(fake.srv.URL, "secret", "gemini-test", 5*time.Second)
	svc := NewService(client, PollPolicy{Interval: time.Millisecond, MaxPolls: 10, MaxWait: time.Second}, nil)

	text, err := svc.Analyze(context.Background(), writeMedia(t), "video/mp4", "clip")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if text != reply {
		t.Fatalf("unexpected text %q", text)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if string(fake.uploaded) != "fake-video-bytes" {
		t.Fatalf("uploaded body mismatch: %q", fake.uploaded)
	}
	if fake.lastKey != "secret" {
		t.Fatalf("api key header not sent")
	}
	if len(fake.generated) != 1 {
		t.Fatalf("expected one generate call, got %d", len(fake.generated))
	}
	parts := fake.generated[0].Contents[0].Parts
	if parts[0].FileData == nil || parts[0].FileData.FileURI == "" || parts[1].Text != ModerationPrompt {
		t.Fatalf("unexpected generate parts: %+v", parts)
	}
	if _, ok := fake.files["files/abc"]; ok {
		t.Fatalf("expected remote artifact to be deleted")
	}
}

func TestGeminiDeleteIsIdempotent(t *testing.T) {
	fake := newFakeGemini(t, nil, "")
	client := NewGeminiClient(fake.srv.URL, "k", "gemini-test", time.Second)
	svc := NewService(client, PollPolicy{}, nil)

	if err := svc.Release(context.Background(), "files/unknown"); err != nil {
		t.Fatalf("release unknown: %v", err)
	}
	fake.mu.Lock()
	fake.files["files/abc"] = Artifact{Name: "files/abc"}
	fake.mu.Unlock()
	if err := svc.Release(context.Background(), "files/abc"); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := svc.Release(context.Background(), "files/abc"); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestGeminiUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewGeminiClient(srv.URL, "k", "gemini-test", time.Second)
	_, err := client.Upload(context.Background(), writeMedia(t), "video/mp4", "clip")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	client = NewGeminiClient("http://127.0.0.1:1", "k", "gemini-test", time.Second)
	if _, err := client.Get(context.Background(), "files/abc"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for unreachable host, got %v", err)
	}
}

func TestGeminiArtifactVanishingIsRejected(t *testing.T) {
	fake := newFakeGemini(t, nil, "")
	client := NewGeminiClient(fake.srv.URL, "k", "gemini-test", time.Second)
	svc := NewService(client, PollPolicy{Interval: time.Millisecond, MaxPolls: 3, MaxWait: time.Second}, nil)

	_, err := svc.AwaitReady(context.Background(), Artifact{Name: "files/gone", State: StateProcessing})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestGeminiBlockedResponseIsRejected(t *testing.T) {
	cases := map[string]string{
		"candidate stopped by safety": `{"candidates":[{"finishReason":"SAFETY","safetyRatings":[{"category":"HARM_CATEGORY_DANGEROUS_CONTENT","probability":"HIGH"}]}]}`,
		"prompt blocked":              `{"promptFeedback":{"blockReason":"SAFETY"}}`,
		"recitation with text":        `{"candidates":[{"content":{"parts":[{"text":"{\"status\":\"safe\"}"}]},"finishReason":"RECITATION"}]}`,
		"no candidates":               `{"candidates":[]}`,
		"empty parts":                 `{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			fake := newFakeGemini(t, []State{StateActive}, "")
			fake.rawReply = body
			client := NewGeminiClient(fake.srv.URL, "k", "gemini-test", 5*time.Second)
			svc := NewService(client, PollPolicy{Interval: time.Millisecond, MaxPolls: 5, MaxWait: time.Second}, nil)

			text, err := svc.Analyze(context.Background(), writeMedia(t), "video/mp4", "clip")
			if !errors.Is(err, ErrRejected) {
				t.Fatalf("expected ErrRejected, got text=%q err=%v", text, err)
			}
			fake.mu.Lock()
			defer fake.mu.Unlock()
			if _, ok := fake.files["files/abc"]; ok {
				t.Fatalf("expected remote artifact to be deleted after a blocked response")
			}
		})
	}
}
