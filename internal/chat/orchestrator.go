// Package chat routes a combined text and optional image request through
// preprocessing, inference and interpretation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Brownie44l1/cxr-api/internal/apperr"
	"github.com/Brownie44l1/cxr-api/internal/conditions"
	"github.com/Brownie44l1/cxr-api/internal/logger"
	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

// DefaultMaxUploadBytes caps image uploads at 20 MiB.
const DefaultMaxUploadBytes = 20 << 20

type Preprocessor interface {
	Preprocess(data []byte) (*tensor.Tensor, error)
}

type Analyzer interface {
	Infer(ctx context.Context, x *tensor.Tensor) (conditions.Scores, error)
}

type Interpreter interface {
	InterpretWithFindings(ctx context.Context, scores conditions.Scores, question string) (string, error)
	InterpretWithoutFindings(ctx context.Context, message string) (string, error)
}

// Upload is an image part as received; Body is read at most once.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

type Request struct {
	Message string
	Image   *Upload
}

type Response struct {
	Response         string             `json:"response"`
	HasImageAnalysis bool               `json:"has_image_analysis"`
	Conditions       *conditions.Scores `json:"conditions"`
}

type Orchestrator struct {
	pre            Preprocessor
	analyzer       Analyzer
	interpreter    Interpreter
	maxUploadBytes int64
	logger         *slog.Logger
}

func New(pre Preprocessor, analyzer Analyzer, interpreter Interpreter, maxUploadBytes int64, logger *slog.Logger) *Orchestrator {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Orchestrator{
		pre:            pre,
		analyzer:       analyzer,
		interpreter:    interpreter,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// Handle answers text-only requests directly and runs images through the
// full pipeline. Image bytes are never retained past the call.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	message := strings.TrimSpace(req.Message)

	if req.Image == nil {
		if message == "" {
			return nil, apperr.New(apperr.MissingInput, "Please provide a message or upload an image")
		}
		text, err := o.interpreter.InterpretWithoutFindings(ctx, message)
		if err != nil {
			return nil, err
		}
		return &Response{Response: text}, nil
	}

	data, err := o.readImage(req.Image)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx, o.logger)
	log.Debug("image received", "bytes", len(data), "content_type", req.Image.ContentType)

	x, err := o.pre.Preprocess(data)
	if err != nil {
		return nil, err
	}
	scores, err := o.analyzer.Infer(ctx, x)
	if err != nil {
		return nil, err
	}
	text, err := o.interpreter.InterpretWithFindings(ctx, scores, message)
	if err != nil {
		return nil, err
	}
	return &Response{Response: text, HasImageAnalysis: true, Conditions: &scores}, nil
}

func (o *Orchestrator) readImage(up *Upload) ([]byte, error) {
	ct := strings.TrimSpace(up.ContentType)
	if ct == "" {
		return nil, apperr.New(apperr.InvalidFileType, "Unable to determine file type")
	}
	if !strings.HasPrefix(strings.ToLower(ct), "image/") {
		return nil, apperr.Wrap(apperr.InvalidFileType, "Invalid file type. Please upload an image.",
			fmt.Errorf("content type %q", ct))
	}
	if up.Body == nil {
		return nil, apperr.New(apperr.EmptyUpload, "Uploaded image is empty")
	}

	data, err := io.ReadAll(io.LimitReader(up.Body, o.maxUploadBytes+1))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, apperr.Wrap(apperr.UploadTooLarge, "Uploaded image is too large", err)
		}
		return nil, apperr.Wrap(apperr.UploadReadFailed, "Failed to read image file", err)
	}
	if int64(len(data)) > o.maxUploadBytes {
		return nil, apperr.New(apperr.UploadTooLarge,
			fmt.Sprintf("Uploaded image exceeds %d bytes", o.maxUploadBytes))
	}
	if len(data) == 0 {
		return nil, apperr.New(apperr.EmptyUpload, "Uploaded image is empty")
	}
	return data, nil
}
