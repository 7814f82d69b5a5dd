package api

import (
	"context"
	"errors"
	"net/http"

	"github.io/infrasutra/voxdesk/internal/dispatch"
	"github.io/infrasutra/voxdesk/internal/intent"
	"github.io/infrasutra/voxdesk/internal/token"
)

// transcribeResponse is the terminal payload of one pipeline pass: the
// conversational reply, the structured intent, and the per-item dispatch
// report so partial failure is observable by the caller.
type transcribeResponse struct {
	ReplyText string             `json:"replyText"`
	Result    intent.Intent      `json:"result"`
	Outcomes  []dispatch.Outcome `json:"outcomes"`
}

type pipelineError struct {
	status  int
	message string
	err     error
}

func (e *pipelineError) Error() string {
	return e.message
}

func (e *pipelineError) Unwrap() error {
	return e.err
}

// runPipeline is one pass over a single request: resolve credential, extract
// intent, dispatch actions, assemble the response. No step is retried.
func (s *Server) runPipeline(ctx context.Context, sessionID string, audio []byte, mimeType string) (transcribeResponse, error) {
	tok, err := s.tokens.Resolve(ctx, sessionID)
	if err != nil {
		if errors.Is(err, token.ErrNoCredential) {
			return transcribeResponse{}, &pipelineError{status: http.StatusBadRequest, message: "OAuth tokens not found in session", err: err}
		}
		var refreshErr *token.RefreshError
		if errors.As(err, &refreshErr) {
			return transcribeResponse{}, &pipelineError{status: http.StatusInternalServerError, message: "failed to refresh access token", err: err}
		}
		s.logger.Error("resolve credential", "session", sessionID, "error", err)
		return transcribeResponse{}, &pipelineError{status: http.StatusInternalServerError, message: "transcription failed", err: err}
	}

	output, err := s.model.GenerateFromAudio(ctx, audio, mimeType)
	if err != nil {
		s.logger.Error("model generate", "session", sessionID, "error", err)
		return transcribeResponse{}, &pipelineError{status: http.StatusInternalServerError, message: "transcription failed", err: err}
	}

	reply, in, err := intent.FromModelOutput(output)
	if err != nil {
		// Malformed action block degrades to an empty intent; the prose
		// extracted before the failure point is still returned.
		s.logger.Warn("intent parse degraded", "session", sessionID, "error", err)
	}

	outcomes, err := s.dispatcher.Dispatch(ctx, tok, in)
	if err != nil {
		s.logger.Error("dispatch", "session", sessionID, "error", err)
		return transcribeResponse{}, &pipelineError{status: http.StatusInternalServerError, message: "transcription failed", err: err}
	}
	if outcomes == nil {
		outcomes = []dispatch.Outcome{}
	}
	return transcribeResponse{ReplyText: reply, Result: in, Outcomes: outcomes}, nil
}
