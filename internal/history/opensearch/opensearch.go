package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/exitwatch/internal/history"
)

// Sink indexes failure reports into OpenSearch (or Elasticsearch) via HTTP.
// It constructs URL as: baseURL + "/" + index + "/_doc" and POSTs JSON body.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

// document flattens the report so each field is indexed at the top level.
type document struct {
	Timestamp        int64      `json:"timestamp"`
	ProgramName      string     `json:"program_name"`
	ExitCode         int        `json:"exit_code"`
	FailureReason    string     `json:"failure_reason"`
	PIDFailure       int        `json:"pid_failure"`
	RelatedPID       int        `json:"related_pid"`
	LogPath          string     `json:"log_path,omitempty"`
	ProcessStartedAt *time.Time `json:"process_started_at,omitempty"`
	RecordedAt       time.Time  `json:"recorded_at"`
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func (s *Sink) Name() string { return "opensearch" }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Report
	doc := document{
		Timestamp:     r.Timestamp,
		ProgramName:   r.ProgramName,
		ExitCode:      r.ExitCode,
		FailureReason: r.FailureReason,
		PIDFailure:    r.PIDFailure,
		RelatedPID:    r.RelatedPID,
		LogPath:       e.LogPath,
		RecordedAt:    e.OccurredAt.UTC(),
	}
	if !e.ProcessStartedAt.IsZero() {
		t := e.ProcessStartedAt.UTC()
		doc.ProcessStartedAt = &t
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
