// Package gemini is a small REST client for the Generative Language API:
// content generation, model discovery and the Files API used to attach
// uploaded documents to a prompt.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

var (
	ErrEmptyResponse = errors.New("model returned no text")
	ErrBlocked       = errors.New("prompt was blocked")
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini api status %d: %s", e.Status, e.Message)
}

// FileRef points at a document previously uploaded through UploadFile.
type FileRef struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	State    string `json:"state"`
}

type Model struct {
	Name                       string   `json:"name"`
	DisplayName                string   `json:"displayName"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

type Client struct {
	http         *resty.Client
	apiKey       string
	pollInterval time.Duration
}

func New(baseURL, apiKey string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	hc := resty.New().
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("x-goog-api-key", apiKey).
		SetHeader("Accept", "application/json")
	return &Client{http: hc, apiKey: apiKey, pollInterval: time.Second}
}

func (c *Client) Configured() bool {
	return strings.TrimSpace(c.apiKey) != ""
}

type part struct {
	Text     string    `json:"text,omitempty"`
	FileData *fileData `json:"file_data,omitempty"`
}

type fileData struct {
	MimeType string `json:"mime_type"`
	FileURI  string `json:"file_uri"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Invoke sends prompt, plus the document when doc is set, to model and
// returns the concatenated text of the first candidate.
func (c *Client) Invoke(ctx context.Context, model, prompt string, doc *FileRef) (string, error) {
	parts := []part{{Text: prompt}}
	if doc != nil {
		parts = append(parts, part{FileData: &fileData{MimeType: doc.MimeType, FileURI: doc.URI}})
	}

	var out generateResponse
	var apiErr errorEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(generateRequest{Contents: []content{{Role: "user", Parts: parts}}}).
		SetResult(&out).
		SetError(&apiErr).
		SetPathParam("model", strings.TrimPrefix(model, "models/")).
		Post("/v1beta/models/{model}:generateContent")
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp.IsError() {
		return "", toAPIError(resp, apiErr)
	}

	if out.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: %s", ErrBlocked, out.PromptFeedback.BlockReason)
	}
	if len(out.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	var b strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

type listModelsResponse struct {
	Models        []Model `json:"models"`
	NextPageToken string  `json:"nextPageToken"`
}

// ListModels returns the ids of models that support method, such as
// "generateContent", in the order the API lists them. The "models/" prefix
// is stripped.
func (c *Client) ListModels(ctx context.Context, method string) ([]string, error) {
	var ids []string
	token := ""
	for {
		var out listModelsResponse
		var apiErr errorEnvelope
		req := c.http.R().
			SetContext(ctx).
			SetQueryParam("pageSize", "1000").
			SetResult(&out).
			SetError(&apiErr)
		if token != "" {
			req.SetQueryParam("pageToken", token)
		}
		resp, err := req.Get("/v1beta/models")
		if err != nil {
			return nil, fmt.Errorf("list models: %w", err)
		}
		if resp.IsError() {
			return nil, toAPIError(resp, apiErr)
		}

		for _, m := range out.Models {
			if supports(m, method) {
				ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
			}
		}
		if out.NextPageToken == "" {
			return ids, nil
		}
		token = out.NextPageToken
	}
}

func supports(m Model, method string) bool {
	if method == "" {
		return true
	}
	for _, s := range m.SupportedGenerationMethods {
		if s == method {
			return true
		}
	}
	return false
}

type fileEnvelope struct {
	File FileRef `json:"file"`
}

// UploadFile pushes data through the resumable upload protocol and waits for
// the file to become ACTIVE. The caller owns the returned handle and must
// release it with DeleteFile. Once the bytes are accepted the handle is
// returned even when waiting fails, so it can still be released.
func (c *Client) UploadFile(ctx context.Context, displayName, mimeType string, data []byte) (*FileRef, error) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var apiErr errorEnvelope
	start, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Goog-Upload-Protocol", "resumable").
		SetHeader("X-Goog-Upload-Command", "start").
		SetHeader("X-Goog-Upload-Header-Content-Length", strconv.Itoa(len(data))).
		SetHeader("X-Goog-Upload-Header-Content-Type", mimeType).
		SetBody(map[string]any{"file": map[string]string{"display_name": displayName}}).
		SetError(&apiErr).
		Post("/upload/v1beta/files")
	if err != nil {
		return nil, fmt.Errorf("start upload: %w", err)
	}
	if start.IsError() {
		return nil, toAPIError(start, apiErr)
	}
	uploadURL := start.Header().Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return nil, errors.New("start upload: missing upload url")
	}

	var out fileEnvelope
	apiErr = errorEnvelope{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", mimeType).
		SetHeader("X-Goog-Upload-Offset", "0").
		SetHeader("X-Goog-Upload-Command", "upload, finalize").
		SetBody(data).
		SetResult(&out).
		SetError(&apiErr).
		Post(uploadURL)
	if err != nil {
		return nil, fmt.Errorf("upload bytes: %w", err)
	}
	if resp.IsError() {
		return nil, toAPIError(resp, apiErr)
	}
	if out.File.Name == "" {
		return nil, errors.New("upload bytes: response has no file name")
	}
	return c.waitActive(ctx, &out.File)
}

func (c *Client) waitActive(ctx context.Context, f *FileRef) (*FileRef, error) {
	for f.State == "PROCESSING" {
		select {
		case <-ctx.Done():
			return f, ctx.Err()
		case <-time.After(c.pollInterval):
		}
		next, err := c.GetFile(ctx, f.Name)
		if err != nil {
			return f, err
		}
		f = next
	}
	if f.State == "FAILED" {
		return f, fmt.Errorf("file %s failed processing", f.Name)
	}
	return f, nil
}

func (c *Client) GetFile(ctx context.Context, name string) (*FileRef, error) {
	var out FileRef
	var apiErr errorEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/v1beta/" + name)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	if resp.IsError() {
		return nil, toAPIError(resp, apiErr)
	}
	return &out, nil
}

// DeleteFile releases an uploaded file. Deleting a file that is already gone
// is not an error.
func (c *Client) DeleteFile(ctx context.Context, name string) error {
	var apiErr errorEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&apiErr).
		Delete("/v1beta/" + name)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if resp.IsError() {
		return toAPIError(resp, apiErr)
	}
	return nil
}

func toAPIError(resp *resty.Response, env errorEnvelope) error {
	msg := strings.TrimSpace(env.Error.Message)
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	return &APIError{Status: resp.StatusCode(), Message: msg}
}
