package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// State is the provider-side readiness of an uploaded artifact.
type State string

const (
	StateUnspecified State = "STATE_UNSPECIFIED"
	StateProcessing  State = "PROCESSING"
	StateActive      State = "ACTIVE"
	StateFailed      State = "FAILED"
)

// Artifact is the provider's handle for uploaded media.
type Artifact struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	MimeType    string `json:"mimeType"`
	URI         string `json:"uri"`
	State       State  `json:"state"`
	Error       *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GeminiClient talks to the Gemini Files and GenerateContent REST APIs.
type GeminiClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewGeminiClient builds a client. baseURL has no trailing path, e.g.
// https://generativelanguage.googleapis.com.
func NewGeminiClient(baseURL, apiKey, model string, timeout time.Duration) *GeminiClient {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type fileEnvelope struct {
	File Artifact `json:"file"`
}

// Upload sends the local file with the resumable upload protocol (start, then
// upload+finalize in a single chunk).
func (g *GeminiClient) Upload(ctx context.Context, path, mimeType, displayName string) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("open staged media: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Artifact{}, fmt.Errorf("stat staged media: %w", err)
	}

	meta, err := json.Marshal(map[string]any{"file": map[string]string{"display_name": displayName}})
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal upload metadata: %w", err)
	}
	start, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/upload/v1beta/files", bytes.NewReader(meta))
	if err != nil {
		return Artifact{}, fmt.Errorf("build upload start: %w", err)
	}
	start.Header.Set("Content-Type", "application/json")
	start.Header.Set("X-Goog-Upload-Protocol", "resumable")
	start.Header.Set("X-Goog-Upload-Command", "start")
	start.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(info.Size(), 10))
	start.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

	resp, err := g.do(start)
	if err != nil {
		return Artifact{}, err
	}
	resp.Body.Close()
	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return Artifact{}, fmt.Errorf("%w: upload start returned no upload url", ErrUnavailable)
	}

	put, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, f)
	if err != nil {
		return Artifact{}, fmt.Errorf("build upload: %w", err)
	}
	put.ContentLength = info.Size()
	put.Header.Set("X-Goog-Upload-Offset", "0")
	put.Header.Set("X-Goog-Upload-Command", "upload, finalize")

	resp, err = g.do(put)
	if err != nil {
		return Artifact{}, err
	}
	defer resp.Body.Close()

	var env fileEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Artifact{}, fmt.Errorf("%w: decode upload response: %v", ErrUnavailable, err)
	}
	if env.File.Name == "" {
		return Artifact{}, fmt.Errorf("%w: upload response missing file name", ErrUnavailable)
	}
	return env.File, nil
}

// Get fetches the current artifact metadata, including its state.
func (g *GeminiClient) Get(ctx context.Context, name string) (Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1beta/"+name, nil)
	if err != nil {
		return Artifact{}, fmt.Errorf("build get file: %w", err)
	}
	resp, err := g.do(req)
	if err != nil {
		return Artifact{}, err
	}
	defer resp.Body.Close()

	var a Artifact
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return Artifact{}, fmt.Errorf("%w: decode file: %v", ErrUnavailable, err)
	}
	return a, nil
}

type generateRequest struct {
	Contents []generateContent `json:"contents"`
}

type generateContent struct {
	Parts []generatePart `json:"parts"`
}

type generatePart struct {
	FileData *fileData `json:"file_data,omitempty"`
	Text     string    `json:"text,omitempty"`
}

type fileData struct {
	MimeType string `json:"mime_type"`
	FileURI  string `json:"file_uri"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// blockedFinishReasons end a candidate without a usable answer.
var blockedFinishReasons = map[string]bool{
	"SAFETY":             true,
	"RECITATION":         true,
	"LANGUAGE":           true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
	"SPII":               true,
	"OTHER":              true,
}

// Generate runs the moderation prompt against a ready artifact and returns
// the model's raw text.
func (g *GeminiClient) Generate(ctx context.Context, a Artifact, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []generateContent{{
			Parts: []generatePart{
				{FileData: &fileData{MimeType: a.MimeType, FileURI: a.URI}},
				{Text: prompt},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode generate response: %v", ErrUnavailable, err)
	}
	return responseText(out)
}

// responseText returns the first candidate's text. A blocked prompt, a
// candidate stopped by a filter or an empty answer is ErrRejected.
func responseText(out generateResponse) (string, error) {
	if reason := out.PromptFeedback.BlockReason; reason != "" {
		return "", fmt.Errorf("%w: prompt blocked: %s", ErrRejected, reason)
	}
	if len(out.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates in response", ErrRejected)
	}
	c := out.Candidates[0]
	if blockedFinishReasons[c.FinishReason] {
		return "", fmt.Errorf("%w: response stopped: %s", ErrRejected, c.FinishReason)
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: empty response (finish reason %q)", ErrRejected, c.FinishReason)
	}
	return sb.String(), nil
}

// Delete removes an artifact. A missing artifact is not an error.
func (g *GeminiClient) Delete(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.baseURL+"/v1beta/"+name, nil)
	if err != nil {
		return fmt.Errorf("build delete file: %w", err)
	}
	resp, err := g.do(req)
	if errors.Is(err, errNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

var errNotFound = errors.New("not found")

// do sends req with the API key and maps non-2xx answers to errors. The
// caller owns the body of a successful response.
func (g *GeminiClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("x-goog-api-key", g.apiKey)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s %s", errNotFound, req.Method, req.URL.Path)
	}
	return nil, fmt.Errorf("%w: %s %s: status %d: %s", ErrUnavailable, req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(excerpt)))
}
