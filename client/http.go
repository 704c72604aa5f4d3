package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/rezkam/workflowpool/workflow"
)

// PromptRequest is the body of POST /prompt.
type PromptRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

// PromptResponse is the success body of POST /prompt.
type PromptResponse struct {
	PromptID string `json:"prompt_id"`
}

// HistoryStatus is the `status` field of GET /history/{prompt_id}.
type HistoryStatus struct {
	Completed bool   `json:"completed"`
	StatusStr string `json:"status_str"`
}

// HistoryEntry is one prompt's recorded history.
type HistoryEntry struct {
	Status  HistoryStatus             `json:"status"`
	Outputs map[string]map[string]any `json:"outputs"`
}

// QueueSnapshot is the body of GET /queue.
type QueueSnapshot struct {
	QueuePending [][]any `json:"queue_pending"`
	QueueRunning [][]any `json:"queue_running"`
}

// Contains reports whether promptID appears in either queue list.
func (q QueueSnapshot) Contains(promptID string) bool {
	for _, list := range [][][]any{q.QueuePending, q.QueueRunning} {
		for _, entry := range list {
			if len(entry) >= 2 {
				if id, ok := entry[1].(string); ok && id == promptID {
					return true
				}
			}
		}
	}
	return false
}

func (s *Session) baseURL() string {
	return fmt.Sprintf("%s://%s", s.cfg.httpScheme(), s.cfg.Host)
}

func (s *Session) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL()+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return newEnqueueStyleError(resp.StatusCode, resp.Status, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("client: decode response from %s: %w", path, err)
	}
	return nil
}

// RequestError is a generic non-2xx HTTP response. The execution wrapper
// translates it into an *execution.EnqueueFailedError when it arises from
// PostPrompt.
type RequestError struct {
	Status          int
	StatusText      string
	BodyJSON        map[string]any
	BodyTextSnippet string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("client: http %d %s", e.Status, e.StatusText)
}

func newEnqueueStyleError(status int, statusText string, body []byte) error {
	e := &RequestError{Status: status, StatusText: statusText}
	var decoded map[string]any
	if json.Unmarshal(body, &decoded) == nil {
		e.BodyJSON = decoded
	} else {
		snippet := body
		const maxSnippet = 500
		if len(snippet) > maxSnippet {
			snippet = snippet[:maxSnippet]
		}
		e.BodyTextSnippet = string(snippet)
	}
	return e
}

// PostPrompt submits workflow for execution, returning the server-assigned
// prompt id.
func (s *Session) PostPrompt(ctx context.Context, prompt map[string]any) (string, error) {
	var resp PromptResponse
	if err := s.doJSON(ctx, http.MethodPost, "/prompt", PromptRequest{Prompt: prompt, ClientID: s.id}, &resp); err != nil {
		return "", err
	}
	return resp.PromptID, nil
}

// GetHistory fetches the recorded history for promptID.
func (s *Session) GetHistory(ctx context.Context, promptID string) (HistoryEntry, bool, error) {
	var all map[string]HistoryEntry
	if err := s.doJSON(ctx, http.MethodGet, "/history/"+promptID, nil, &all); err != nil {
		return HistoryEntry{}, false, err
	}
	entry, ok := all[promptID]
	return entry, ok, nil
}

// PostInterrupt requests server-side interruption of a running prompt.
func (s *Session) PostInterrupt(ctx context.Context, promptID string) error {
	return s.doJSON(ctx, http.MethodPost, "/interrupt/"+promptID, nil, nil)
}

// GetQueue fetches the server's current queue snapshot; also used as the
// health-check keep-alive.
func (s *Session) GetQueue(ctx context.Context) (QueueSnapshot, error) {
	var snapshot QueueSnapshot
	err := s.doJSON(ctx, http.MethodGet, "/queue", nil, &snapshot)
	return snapshot, err
}

// PostUploadImage uploads an attachment before submission, returning the
// filename to wire into the graph.
func (s *Session) PostUploadImage(ctx context.Context, filename string, content []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("client: create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("client: write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("client: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL()+"/upload/image", &buf)
	if err != nil {
		return "", fmt.Errorf("client: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("client: upload image: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("client: read upload response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", newEnqueueStyleError(resp.StatusCode, resp.Status, respBody)
	}

	var decoded struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("client: decode upload response: %w", err)
	}
	return decoded.Name, nil
}

// objectInfo is the subset of GET /object_info/{class_type} this client
// needs to implement workflow.ClassLookup.
type objectInfo struct {
	Input struct {
		Required map[string][]json.RawMessage `json:"required"`
		Optional map[string][]json.RawMessage `json:"optional"`
	} `json:"input"`
	Output     []string `json:"output"`
	OutputName []string `json:"output_name"`
}

// InputOutputTypes implements workflow.ClassLookup by fetching the class
// definition for classType from the server.
func (s *Session) InputOutputTypes(classType string) (map[string]string, []string, error) {
	ctx := context.Background()
	var all map[string]objectInfo
	if err := s.doJSON(ctx, http.MethodGet, "/object_info/"+classType, nil, &all); err != nil {
		return nil, nil, err
	}
	info, ok := all[classType]
	if !ok {
		return nil, nil, &workflow.MissingNodeError{NodeID: classType, Reason: "class definition not found"}
	}

	inputTypes := make(map[string]string)
	for name, spec := range info.Input.Required {
		inputTypes[name] = decodeTypeName(spec)
	}
	for name, spec := range info.Input.Optional {
		inputTypes[name] = decodeTypeName(spec)
	}
	return inputTypes, info.Output, nil
}

func decodeTypeName(spec []json.RawMessage) string {
	if len(spec) == 0 {
		return ""
	}
	var name string
	if json.Unmarshal(spec[0], &name) == nil {
		return name
	}
	return ""
}
