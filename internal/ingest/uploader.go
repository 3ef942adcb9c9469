// Package ingest moves local PDFs into a user's blob folder and keeps the
// search indexer in step with what was uploaded.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/policyrag/policyrag/internal/blobstore"
	"github.com/policyrag/policyrag/internal/storage"
)

// ManualIndexerReminder is reported when no indexer is configured, because
// the uploaded file is not searchable until the indexer runs.
const ManualIndexerReminder = "Remember to run the Indexer in the Azure Portal so the new file becomes searchable."

// ErrNotPDF is returned for files that cannot be read as a PDF.
var ErrNotPDF = errors.New("not a readable PDF")

// BlobUploader stores a document in a user's folder.
type BlobUploader interface {
	Upload(ctx context.Context, user, filename string, body io.Reader, meta blobstore.Metadata) (blobstore.Object, error)
}

// UploadStore records uploads and queues indexer runs.
type UploadStore interface {
	SaveUpload(u storage.Upload) error
	EnqueueJob(job storage.Job) error
}

// Result describes a finished upload.
type Result struct {
	Upload   storage.Upload
	JobID    string
	Reminder string
}

// Uploader validates local PDFs and uploads them for a user.
type Uploader struct {
	blobs   BlobUploader
	store   UploadStore
	indexer string
	logger  *slog.Logger
}

// NewUploader creates an Uploader. indexer may be empty, in which case no
// indexer job is queued and the result carries a reminder instead.
func NewUploader(blobs BlobUploader, store UploadStore, indexer string) *Uploader {
	return &Uploader{
		blobs:   blobs,
		store:   store,
		indexer: indexer,
		logger:  slog.Default(),
	}
}

// CleanPath strips surrounding whitespace and the quotes a shell or file
// manager adds when a path is pasted.
func CleanPath(p string) string {
	return strings.Trim(strings.TrimSpace(p), `"'`)
}

// Upload reads the PDF at localPath and stores it in user's folder.
func (u *Uploader) Upload(ctx context.Context, user, localPath string) (Result, error) {
	user, err := blobstore.ValidateUsername(user)
	if err != nil {
		return Result{}, err
	}

	localPath = CleanPath(localPath)
	if localPath == "" {
		return Result{}, errors.New("file path is required")
	}
	f, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, fmt.Errorf("file not found: %w", err)
		}
		return Result{}, fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", localPath, err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("%s is a directory", localPath)
	}

	return u.UploadReader(ctx, user, localPath, f, info.Size())
}

// UploadReader uploads size bytes from r as filename. It is used for
// request bodies as well as local files.
func (u *Uploader) UploadReader(ctx context.Context, user, filename string, r io.ReaderAt, size int64) (Result, error) {
	user, err := blobstore.ValidateUsername(user)
	if err != nil {
		return Result{}, err
	}
	if _, err := blobstore.ValidateFilename(filename); err != nil {
		return Result{}, err
	}

	pages, err := inspectPDF(r, size)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", filepath.Base(filename), err)
	}

	rec := storage.Upload{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Username:  user,
		LocalPath: filename,
		SizeBytes: size,
		Pages:     pages,
	}

	obj, err := u.blobs.Upload(ctx, user, filename, io.NewSectionReader(r, 0, size), blobstore.Metadata{
		UploadedBy: user,
		Pages:      pages,
	})
	if err != nil {
		rec.Status = storage.UploadFailed
		rec.Error = err.Error()
		if saveErr := u.store.SaveUpload(rec); saveErr != nil {
			u.logger.Error("recording failed upload", "error", saveErr)
		}
		return Result{}, err
	}

	rec.Status = storage.UploadUploaded
	rec.BlobName = obj.Name
	rec.BlobURL = obj.URL
	if err := u.store.SaveUpload(rec); err != nil {
		return Result{}, fmt.Errorf("recording upload: %w", err)
	}
	u.logger.Info("uploaded document", "user", user, "blob", obj.Name, "pages", pages, "bytes", size)

	res := Result{Upload: rec}
	if u.indexer == "" {
		res.Reminder = ManualIndexerReminder
		return res, nil
	}

	payload, err := json.Marshal(indexerPayload{Indexer: u.indexer, UploadID: rec.ID})
	if err != nil {
		return res, fmt.Errorf("marshaling job payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeIndexerRun,
		PayloadJSON: string(payload),
	}
	if err := u.store.EnqueueJob(job); err != nil {
		res.Reminder = ManualIndexerReminder
		return res, fmt.Errorf("queueing indexer run: %w", err)
	}
	res.JobID = job.ID
	return res, nil
}

// inspectPDF parses the document structure and returns its page count.
func inspectPDF(r io.ReaderAt, size int64) (pages int, err error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: empty file", ErrNotPDF)
	}
	// The parser panics on some malformed inputs.
	defer func() {
		if p := recover(); p != nil {
			pages, err = 0, fmt.Errorf("%w: %v", ErrNotPDF, p)
		}
	}()

	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	n := doc.NumPage()
	if n < 1 {
		return 0, fmt.Errorf("%w: no pages", ErrNotPDF)
	}
	return n, nil
}
