package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/fabfab/lexray/chat"
	"github.com/fabfab/lexray/chunks"
	"github.com/fabfab/lexray/ingestion"
)

const (
	samplePreviewRunes = 200
	sampleCount        = 5
)

type askRequest struct {
	DocumentID string `json:"documentId" validate:"required"`
	Question   string `json:"question" validate:"required"`
	Intent     string `json:"intent"`
}

type askResponse struct {
	Answer       string           `json:"answer"`
	AnswerType   chat.AnswerKind  `json:"answer_type"`
	Table        *tableResponse   `json:"table"`
	FallbackText string           `json:"fallback_text,omitempty"`
	Sources      []sourceResponse `json:"sources"`
	Intent       chat.Intent      `json:"intent"`
}

type tableResponse struct {
	Title   string     `json:"title"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

type sourceResponse struct {
	DocumentID string  `json:"documentId"`
	ChunkIndex int     `json:"chunkIndex"`
	Similarity float64 `json:"similarity"`
}

type deleteResponse struct {
	Deleted int `json:"deleted"`
}

type tableDiagnosticsRequest struct {
	Question   string `json:"question" validate:"required"`
	DocumentID string `json:"documentId" validate:"required"`
}

type embeddingDiagnosticsResponse struct {
	DocumentID string        `json:"documentId"`
	Stats      chunks.Stats  `json:"stats"`
	Samples    []chunkSample `json:"samples"`
}

type chunkSample struct {
	ChunkIndex int         `json:"chunkIndex"`
	Type       chunks.Type `json:"type"`
	PageNumber int         `json:"pageNumber,omitempty"`
	Preview    string      `json:"preview"`
}

func (s *Server) chatRequest(r *http.Request) (chat.Request, error) {
	var req askRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		return chat.Request{}, fmt.Errorf("%w: %w", chat.ErrInvalidInput, err)
	}
	intent, err := chat.ParseIntent(req.Intent)
	if err != nil {
		return chat.Request{}, err
	}
	return chat.Request{DocumentID: req.DocumentID, Question: req.Question, Intent: intent}, nil
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, err := s.chatRequest(r)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	result, err := s.answers.Answer(r.Context(), req)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, toAskResponse(result))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("a file field is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	result, err := s.documents.Ingest(r.Context(), ingestion.Document{
		ID:   r.FormValue("documentId"),
		Name: header.Filename,
		Data: data,
	})
	switch {
	case errors.Is(err, ingestion.ErrUnsupportedFormat):
		s.writeError(w, http.StatusUnsupportedMediaType, err)
		return
	case errors.Is(err, ingestion.ErrEmptyDocument):
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	removed, err := s.documents.Delete(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if removed == 0 {
		s.writeError(w, http.StatusNotFound, errors.New("document not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, deleteResponse{Deleted: removed})
}

func (s *Server) handleEmbeddingDiagnostics(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")

	stats, err := s.store.Stats(r.Context(), documentID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	scanned, err := s.store.OrderedScan(r.Context(), documentID, sampleCount)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	samples := make([]chunkSample, len(scanned))
	for i, c := range scanned {
		samples[i] = chunkSample{
			ChunkIndex: c.Index,
			Type:       c.Type,
			PageNumber: c.PageNumber,
			Preview:    preview(c.Text, samplePreviewRunes),
		}
	}
	s.writeJSON(w, http.StatusOK, embeddingDiagnosticsResponse{DocumentID: documentID, Stats: stats, Samples: samples})
}

func (s *Server) handleTableDiagnostics(w http.ResponseWriter, r *http.Request) {
	var req tableDiagnosticsRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	diagnostics, err := s.answers.Diagnose(r.Context(), req.Question, req.DocumentID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if diagnostics.Stats == nil {
		s.writeError(w, http.StatusNotFound, chat.ErrNoChunks)
		return
	}
	s.writeJSON(w, http.StatusOK, diagnostics)
}

func toAskResponse(result chat.AnswerResult) askResponse {
	resp := askResponse{
		AnswerType: result.Kind,
		Sources:    toSources(result.Sources),
		Intent:     result.Intent,
	}
	if result.Kind == chat.KindTable && result.Table != nil {
		resp.Table = toTable(*result.Table)
		resp.Answer = result.FallbackText
		resp.FallbackText = result.FallbackText
		return resp
	}
	resp.Answer = result.Text
	return resp
}

func toTable(t chat.StructuredTable) *tableResponse {
	columns := t.Columns
	if columns == nil {
		columns = []string{}
	}
	rows := t.Rows
	if rows == nil {
		rows = [][]string{}
	}
	return &tableResponse{Title: t.Title, Columns: columns, Rows: rows}
}

func toSources(refs []chat.ChunkRef) []sourceResponse {
	out := make([]sourceResponse, len(refs))
	for i, ref := range refs {
		out[i] = sourceResponse{DocumentID: ref.DocumentID, ChunkIndex: ref.ChunkIndex, Similarity: ref.Similarity}
	}
	return out
}

func preview(text string, limit int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + "..."
}
