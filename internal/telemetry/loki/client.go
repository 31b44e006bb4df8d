// Package loki pushes diagnostics entries to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultJob is the job label attached to every stream.
const DefaultJob = "linkless-agent"

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters we keep out of label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// entryFields are the diagnostics entry fields used for labels and timestamp.
type entryFields struct {
	Time     time.Time `json:"time"`
	Category string    `json:"category"`
	Level    string    `json:"level"`
}

// Client pushes log lines to one Loki instance.
type Client struct {
	BaseURL string
	Job     string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL (e.g. http://localhost:3100).
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Job:     DefaultJob,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// PushEntryJSON pushes a JSON diagnostics entry (the Kafka message value),
// labelled by category and level. Lines that do not parse are pushed as is
// with the current time.
func (c *Client) PushEntryJSON(ctx context.Context, raw []byte) error {
	labels := map[string]string{}
	ts := time.Now().UTC()
	var f entryFields
	if err := json.Unmarshal(raw, &f); err == nil {
		if f.Category != "" {
			labels["category"] = f.Category
		}
		if f.Level != "" {
			labels["level"] = strings.ToLower(f.Level)
		}
		if !f.Time.IsZero() {
			ts = f.Time
		}
	}
	return c.Push(ctx, ts, string(raw), labels)
}

// Push sends a single line. Non-2xx responses are errors.
func (c *Client) Push(ctx context.Context, ts time.Time, line string, labels map[string]string) error {
	if c.BaseURL == "" {
		return errors.New("loki: base URL is empty")
	}
	job := c.Job
	if job == "" {
		job = DefaultJob
	}
	streamLabels := map[string]string{"job": job}
	for k, v := range labels {
		if s := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_"); s != "" {
			streamLabels[k] = s
		}
	}
	payload, err := json.Marshal(PushRequest{Streams: []Stream{{
		Stream: streamLabels,
		Values: [][]string{{strconv.FormatInt(ts.UnixNano(), 10), line}},
	}}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("loki: push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}
