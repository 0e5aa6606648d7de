package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"eliteheat/core"
	"eliteheat/leaderboard"
)

// Commit is the response to a points or rank write.
type Commit struct {
	Record   core.ScoreRecord `json:"record"`
	Entry    core.LogEntry    `json:"entry"`
	Replayed bool             `json:"replayed"`
	Rank     core.Tier        `json:"rank"`
}

// Standing is a subject's score, rank progress and leaderboard position.
type Standing struct {
	Record   core.ScoreRecord `json:"record"`
	Progress core.Progress    `json:"progress"`
	// Position is zero when the server runs without a leaderboard.
	Position int `json:"position,omitempty"`
}

// TierTable describes the server's rank table.
type TierTable struct {
	Name          string      `json:"name"`
	FlagThreshold int64       `json:"flag_threshold"`
	Tiers         []core.Tier `json:"tiers"`
}

// Leaderboard is a page of the top subjects.
type Leaderboard struct {
	Entries []leaderboard.Entry `json:"entries"`
	Total   int                 `json:"total"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// APIError is a non-2xx response. errors.Is matches it against the core error kinds.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed: status %d", e.Status)
	}
	return fmt.Sprintf("request failed: status %d: %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case core.ErrValidation:
		return e.Status == http.StatusBadRequest
	case core.ErrNotFound:
		return e.Status == http.StatusNotFound
	case core.ErrConflict:
		return e.Status == http.StatusConflict && e.Code == "conflict"
	case core.ErrInconsistent:
		return e.Status == http.StatusConflict && e.Code == "inconsistent"
	}
	return false
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrEmptySubjectID is returned when subject id is empty.
var ErrEmptySubjectID = errors.New("subject id is required")
