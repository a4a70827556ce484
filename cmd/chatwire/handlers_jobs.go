package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const jobAPITimeout = 10 * time.Second

type jobEnqueueRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type jobEnqueueResponse struct {
	ID string `json:"id"`
}

func runJobsEnqueue(ctx context.Context, server, jobType, payload string) error {
	req := jobEnqueueRequest{Type: jobType}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		req.Payload = json.RawMessage(payload)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	data, status, err := jobAPIDo(ctx, http.MethodPost, server+"/api/jobs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return fmt.Errorf("enqueue failed: %s: %s", http.StatusText(status), strings.TrimSpace(string(data)))
	}

	var resp jobEnqueueResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decoding enqueue response: %w", err)
	}
	fmt.Println(resp.ID)
	return nil
}

func runJobsStatus(ctx context.Context, server, id string) error {
	data, status, err := jobAPIDo(ctx, http.MethodGet, server+"/api/jobs/"+id, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("job %s not found", id)
	}
	if status != http.StatusOK {
		return fmt.Errorf("status failed: %s: %s", http.StatusText(status), strings.TrimSpace(string(data)))
	}
	return printJSON(data)
}

func runJobsList(ctx context.Context, server string) error {
	data, status, err := jobAPIDo(ctx, http.MethodGet, server+"/api/jobs", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("list failed: %s: %s", http.StatusText(status), strings.TrimSpace(string(data)))
	}
	return printJSON(data)
}

func jobAPIDo(ctx context.Context, method, url string, body io.Reader) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, jobAPITimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("reaching hub at %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return data, resp.StatusCode, nil
}

func printJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
