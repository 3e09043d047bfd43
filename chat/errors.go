package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabfab/lexray/chunks"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoChunks means the document was never processed.
	ErrNoChunks = chunks.ErrNoChunks
	// ErrNoRelevantChunks means the document exists but retrieval produced
	// nothing; callers answer with NoRelevantInformationMessage.
	ErrNoRelevantChunks  = errors.New("no relevant chunks retrieved")
	ErrEmbedding         = errors.New("embedding failed")
	ErrCompletion        = errors.New("completion failed")
	ErrRetrievalTimeout  = errors.New("retrieval timed out")
	ErrCompletionTimeout = errors.New("completion timed out")
	ErrTableExtraction   = errors.New("table extraction failed")
	ErrStreamAborted     = errors.New("stream aborted")
)

// timedOut reports whether callCtx hit its own deadline while parent was
// still live, which separates a slow dependency from a departed caller.
func timedOut(parent, callCtx context.Context) bool {
	return parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
