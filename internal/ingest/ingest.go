package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/receipty/receipty/constants"
	"github.com/receipty/receipty/internal/entity"
)

// DefaultMaxBytes caps a single OCR dump.
const DefaultMaxBytes = 1 << 20

var (
	ErrUnsupportedExt = errors.New("unsupported or missing extension")
	ErrEmptyText      = errors.New("file has no text")
	ErrTooLarge       = errors.New("file too large")
	ErrNotUTF8        = errors.New("file is not valid UTF-8")
)

// Creator inserts pending receipts.
type Creator interface {
	CreatePending(ctx context.Context, userID uuid.UUID, text string) (*entity.Receipt, error)
}

// Result is the per-file ingest outcome.
type Result struct {
	Path      string
	ReceiptID string
	Err       string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned   uint32
	Matched   uint32
	Succeeded uint32
	Failed    uint32
}

// Ingestor turns OCR text files into pending receipts.
type Ingestor struct {
	creator  Creator
	logger   *zap.Logger
	maxBytes int64
}

func NewIngestor(creator Creator, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{creator: creator, logger: logger, maxBytes: DefaultMaxBytes}
}

// IngestPath reads one text file and stores its content as a pending receipt for userID.
func (i *Ingestor) IngestPath(ctx context.Context, userID uuid.UUID, path string) (Result, error) {
	out := Result{Path: path}

	if !AllowedExt(filepath.Ext(path)) {
		return out, fmt.Errorf("%w: %q", ErrUnsupportedExt, filepath.Ext(path))
	}
	text, err := i.readText(path)
	if err != nil {
		i.logger.Warn("ingest.read.failed", zap.String("path", path), zap.Error(err))
		return out, err
	}

	rec, err := i.creator.CreatePending(ctx, userID, text)
	if err != nil {
		i.logger.Error("ingest.create.failed", zap.String("path", path), zap.Error(err))
		return out, fmt.Errorf("create receipt: %w", err)
	}
	out.ReceiptID = rec.ID.String()
	i.logger.Info("ingest.ok", zap.String("path", path), zap.String("receipt_id", out.ReceiptID))
	return out, nil
}

func (i *Ingestor) readText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, i.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(b)) > i.maxBytes {
		return "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, i.maxBytes)
	}
	if !utf8.Valid(b) {
		return "", ErrNotUTF8
	}
	text := NormalizeText(strings.TrimPrefix(string(b), "\ufeff"))
	if text == "" {
		return "", ErrEmptyText
	}
	return text, nil
}

// AllowedExt checks if a file extension is one of constants.AllowedExtensions.
func AllowedExt(ext string) bool {
	_, ok := constants.AllowedExtensions[constants.NormalizeExt(ext)]
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
