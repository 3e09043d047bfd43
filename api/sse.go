package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"unicode/utf8"

	"github.com/fabfab/lexray/chat"
)

// Tokens longer than this are re-split at sentence ends so clients render
// progress smoothly even when a provider sends large deltas.
const maxTokenRunes = 50

var sentenceBreak = regexp.MustCompile(`[.!?]\s+`)

const (
	eventChunk    = "chunk"
	eventSources  = "sources"
	eventComplete = "complete"
	eventError    = "error"
	eventDone     = "done"
)

type streamEvent struct {
	Type         string           `json:"type"`
	Content      string           `json:"content,omitempty"`
	Sources      []sourceResponse `json:"sources,omitempty"`
	AnswerType   chat.AnswerKind  `json:"answer_type,omitempty"`
	Answer       string           `json:"answer,omitempty"`
	Table        *tableResponse   `json:"table,omitempty"`
	FallbackText string           `json:"fallback_text,omitempty"`
	Error        string           `json:"error,omitempty"`
}

type eventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (e eventWriter) send(event streamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if err := e.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// handleAskStream answers over server-sent events. Failures before the first
// byte are ordinary JSON errors; later ones arrive as an error event.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.chatRequest(r)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	stream, err := s.answers.AnswerStream(r.Context(), req)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	defer stream.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	out := eventWriter{w: w, rc: http.NewResponseController(w)}
	log := s.logger.With().Str("document_id", req.DocumentID).Logger()

	for token := range stream.Tokens() {
		for _, piece := range splitToken(token) {
			if err := out.send(streamEvent{Type: eventChunk, Content: piece}); err != nil {
				log.Debug().Err(err).Msg("client left during stream")
				return
			}
		}
	}

	result, err := stream.Result()
	if err != nil {
		if errors.Is(err, chat.ErrStreamAborted) {
			log.Debug().Err(err).Msg("answer stream aborted")
			return
		}
		status := statusFor(err)
		log.Error().Err(err).Int("status", status).Msg("answer stream failed")
		_ = out.send(streamEvent{Type: eventError, Error: publicMessage(status, err)})
		_ = out.send(streamEvent{Type: eventDone})
		return
	}

	resp := toAskResponse(result)
	events := []streamEvent{
		{Type: eventSources, Sources: resp.Sources},
		{
			Type:         eventComplete,
			AnswerType:   resp.AnswerType,
			Answer:       resp.Answer,
			Table:        resp.Table,
			FallbackText: resp.FallbackText,
		},
		{Type: eventDone},
	}
	for _, event := range events {
		if err := out.send(event); err != nil {
			log.Debug().Err(err).Msg("client left before completion")
			return
		}
	}
}

// splitToken breaks a long delta after each sentence terminator. The pieces
// concatenate back to the original token.
func splitToken(token string) []string {
	if token == "" {
		return nil
	}
	if utf8.RuneCountInString(token) <= maxTokenRunes {
		return []string{token}
	}

	var pieces []string
	start := 0
	for _, loc := range sentenceBreak.FindAllStringIndex(token, -1) {
		pieces = append(pieces, token[start:loc[1]])
		start = loc[1]
	}
	if start < len(token) {
		pieces = append(pieces, token[start:])
	}
	return pieces
}
