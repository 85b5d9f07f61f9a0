// Package analysis is the HTTP client for the conversational-analysis backend.
package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Endpoint paths on the analysis backend.
const (
	GeneratePath = "/api/generate"
	AnalyzePath  = "/api/analyze"
)

// ErrRequestFailed is matched by every error the client returns.
var ErrRequestFailed = errors.New("analysis request failed")

// RequestError describes a failed backend call.
type RequestError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

// Unwrap exposes the cause.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrRequestFailed) succeed for any RequestError.
func (e *RequestError) Is(target error) bool {
	return target == ErrRequestFailed
}

// FollowUp is the normalised answer of the follow-up endpoint.
type FollowUp struct {
	InitialQuery string
	Candidates   map[string]string
	Questions    []string
}

// DiagnosisRequest is the final diagnosis payload.
type DiagnosisRequest struct {
	InitialQuery         string            `json:"initialQuery"`
	Candidates           map[string]string `json:"candidates"`
	FollowUpQuestions    []string          `json:"followUpQuestions"`
	UserFollowupResponse []string          `json:"userFollowupResponse"`
}

type generateRequest struct {
	Query string `json:"query"`
}

// generateResponse accepts both the current and the legacy field names.
type generateResponse struct {
	InitialQuery      string            `json:"initialQuery"`
	Candidates        map[string]string `json:"candidates"`
	FollowupQuestions []string          `json:"followupQuestions"`
	Followup          json.RawMessage   `json:"followup"`
}

type analyzeResponse struct {
	Result        *string `json:"result"`
	FinalResponse *string `json:"final_response"`
}

var errMalformed = errors.New("malformed response body")

// normalize folds the legacy "followup" field into the current schema.
func (r *generateResponse) normalize(query string) (*FollowUp, error) {
	questions := r.FollowupQuestions
	if questions == nil && len(r.Followup) > 0 && string(r.Followup) != "null" {
		if err := json.Unmarshal(r.Followup, &questions); err != nil {
			return nil, fmt.Errorf("%w: followup is not a list of questions", errMalformed)
		}
	}

	out := &FollowUp{
		InitialQuery: r.InitialQuery,
		Candidates:   r.Candidates,
		Questions:    questions,
	}
	if out.InitialQuery == "" {
		out.InitialQuery = query
	}
	if out.Candidates == nil {
		out.Candidates = map[string]string{}
	}
	return out, nil
}

func (r *analyzeResponse) text() (string, error) {
	switch {
	case r.Result != nil:
		return *r.Result, nil
	case r.FinalResponse != nil:
		return *r.FinalResponse, nil
	default:
		return "", fmt.Errorf("%w: missing result", errMalformed)
	}
}
