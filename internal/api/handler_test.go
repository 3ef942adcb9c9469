package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/policyrag/policyrag/internal/ingest"
	"github.com/policyrag/policyrag/internal/rag"
	"github.com/policyrag/policyrag/internal/search"
	"github.com/policyrag/policyrag/internal/storage"
)

const testToken = "test-token-12345"

type fakeQuestioner struct {
	docs      []search.Document
	answer    rag.Answer
	err       error
	lastUser  string
	lastQuery string
	lastTop   int
}

func (f *fakeQuestioner) Search(_ context.Context, user, query string, top int) ([]search.Document, error) {
	f.lastUser, f.lastQuery, f.lastTop = user, query, top
	return f.docs, f.err
}

func (f *fakeQuestioner) Ask(_ context.Context, user, question string) (rag.Answer, error) {
	f.lastUser, f.lastQuery = user, question
	return f.answer, f.err
}

type fakeUploader struct {
	user     string
	filename string
	data     []byte
	result   ingest.Result
	err      error
}

func (f *fakeUploader) UploadReader(_ context.Context, user, filename string, r io.ReaderAt, size int64) (ingest.Result, error) {
	f.user, f.filename = user, filename
	f.data = make([]byte, size)
	if _, err := r.ReadAt(f.data, 0); err != nil && err != io.EOF {
		return ingest.Result{}, err
	}
	return f.result, f.err
}

func setupHandler(t *testing.T, q *fakeQuestioner, up DocumentUploader) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewHandler(AppDeps{
		Questions: q,
		Uploader:  up,
		History:   store,
		Token:     testToken,
	}), store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth_NoAuth(t *testing.T) {
	h, _ := setupHandler(t, &fakeQuestioner{}, nil)

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := setupHandler(t, &fakeQuestioner{}, nil)

	for _, tok := range []string{"", "wrong-token"} {
		rr := serve(h, authReq(http.MethodGet, "/uploads?user=alice", "", tok))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", tok, rr.Code)
		}
	}
}

func TestBearerAuth_EmptyTokenRejectsAll(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with an empty server token")
	}))
	rr := serve(h, authReq(http.MethodGet, "/", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestAsk(t *testing.T) {
	q := &fakeQuestioner{answer: rag.Answer{ID: "ix-1", Text: "20 days.", Sources: []string{"https://a/docs/alice/leave.pdf"}}}
	h, _ := setupHandler(t, q, nil)

	rr := serve(h, authReq(http.MethodPost, "/ask", `{"user":" alice ","question":"How much leave?"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if q.lastUser != "alice" || q.lastQuery != "How much leave?" {
		t.Errorf("Ask called with %q, %q", q.lastUser, q.lastQuery)
	}

	var got rag.Answer
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got.ID != "ix-1" || got.Text != "20 days." || len(got.Sources) != 1 {
		t.Errorf("answer = %+v", got)
	}
}

func TestAsk_BadRequests(t *testing.T) {
	h, _ := setupHandler(t, &fakeQuestioner{}, nil)

	for name, body := range map[string]string{
		"invalid json":   `{`,
		"missing user":   `{"question":"q"}`,
		"nested user":    `{"user":"a/b","question":"q"}`,
		"blank question": `{"user":"alice","question":"   "}`,
	} {
		rr := serve(h, authReq(http.MethodPost, "/ask", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rr.Code)
		}
	}
}

func TestAsk_UpstreamError(t *testing.T) {
	h, _ := setupHandler(t, &fakeQuestioner{err: errors.New("searching documents: 403")}, nil)

	rr := serve(h, authReq(http.MethodPost, "/ask", `{"user":"alice","question":"q"}`, testToken))
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
}

func TestSearch(t *testing.T) {
	q := &fakeQuestioner{docs: []search.Document{{Content: "c", Source: "s", Score: 1.5}}}
	h, _ := setupHandler(t, q, nil)

	rr := serve(h, authReq(http.MethodGet, "/search?user=bob&q=leave+policy&top=7", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if q.lastUser != "bob" || q.lastQuery != "leave policy" || q.lastTop != 7 {
		t.Errorf("Search called with %q %q %d", q.lastUser, q.lastQuery, q.lastTop)
	}

	var docs []search.Document
	if err := json.NewDecoder(rr.Body).Decode(&docs); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(docs) != 1 || docs[0].Source != "s" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestSearch_EmptyResultIsArray(t *testing.T) {
	h, _ := setupHandler(t, &fakeQuestioner{}, nil)

	rr := serve(h, authReq(http.MethodGet, "/search?user=bob&q=x", "", testToken))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodGet, "/search?user=bob", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing q: status = %d, want 400", rr.Code)
	}
}

func multipartUpload(t *testing.T, url, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUpload(t *testing.T) {
	up := &fakeUploader{result: ingest.Result{
		Upload: storage.Upload{ID: "u-1", Username: "alice", BlobName: "alice/leave.pdf", Status: storage.UploadUploaded},
		JobID:  "job-1",
	}}
	h, _ := setupHandler(t, &fakeQuestioner{}, up)

	rr := serve(h, multipartUpload(t, "/upload?user=alice", "leave.pdf", []byte("%PDF-1.4 fake")))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if up.user != "alice" || up.filename != "leave.pdf" || string(up.data) != "%PDF-1.4 fake" {
		t.Errorf("uploader got user=%q filename=%q data=%q", up.user, up.filename, up.data)
	}

	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp["id"] != "u-1" || resp["blob_name"] != "alice/leave.pdf" || resp["job_id"] != "job-1" {
		t.Errorf("response = %v", resp)
	}
}

func TestUpload_Errors(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		h, _ := setupHandler(t, &fakeQuestioner{}, nil)
		rr := serve(h, multipartUpload(t, "/upload?user=alice", "a.pdf", []byte("x")))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rr.Code)
		}
	})

	t.Run("not a pdf", func(t *testing.T) {
		up := &fakeUploader{err: fmt.Errorf("a.pdf: %w", ingest.ErrNotPDF)}
		h, _ := setupHandler(t, &fakeQuestioner{}, up)
		rr := serve(h, multipartUpload(t, "/upload?user=alice", "a.pdf", []byte("x")))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("blob failure", func(t *testing.T) {
		up := &fakeUploader{err: errors.New("403 AuthorizationPermissionMismatch")}
		h, _ := setupHandler(t, &fakeQuestioner{}, up)
		rr := serve(h, multipartUpload(t, "/upload?user=alice", "a.pdf", []byte("x")))
		if rr.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rr.Code)
		}
	})

	t.Run("missing file field", func(t *testing.T) {
		h, _ := setupHandler(t, &fakeQuestioner{}, &fakeUploader{})
		rr := serve(h, authReq(http.MethodPost, "/upload?user=alice", "", testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("bad user", func(t *testing.T) {
		h, _ := setupHandler(t, &fakeQuestioner{}, &fakeUploader{})
		rr := serve(h, multipartUpload(t, "/upload?user=..", "a.pdf", []byte("x")))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})
}

func TestUpload_RejectsUnusableFilename(t *testing.T) {
	for _, name := range []string{"..", "/"} {
		up := &fakeUploader{}
		h, _ := setupHandler(t, &fakeQuestioner{}, up)

		rr := serve(h, multipartUpload(t, "/upload?user=alice", name, []byte("%PDF-1.4")))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("filename %q: status = %d, want 400 (body %s)", name, rr.Code, rr.Body.String())
		}
		if up.user != "" {
			t.Errorf("filename %q: uploader was called", name)
		}
	}
}

func TestUpload_QueueFailureStillCreated(t *testing.T) {
	up := &fakeUploader{
		result: ingest.Result{Upload: storage.Upload{ID: "u-2"}},
		err:    errors.New("queueing indexer run: disk full"),
	}
	h, _ := setupHandler(t, &fakeQuestioner{}, up)

	rr := serve(h, multipartUpload(t, "/upload?user=alice", "a.pdf", []byte("x")))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "disk full") {
		t.Errorf("reminder missing from body: %s", rr.Body.String())
	}
}

func TestHistoryEndpoints(t *testing.T) {
	h, store := setupHandler(t, &fakeQuestioner{}, nil)

	now := time.Now().UTC()
	for i, user := range []string{"alice", "bob", "alice"} {
		ix := storage.Interaction{
			ID:        fmt.Sprintf("ix-%d", i),
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			Username:  user,
			Question:  "q",
			Answer:    "a",
		}
		if err := store.SaveInteraction(ix); err != nil {
			t.Fatalf("SaveInteraction: %v", err)
		}
	}
	if err := store.SaveUpload(storage.Upload{ID: "u-1", CreatedAt: now, Username: "alice", LocalPath: "a.pdf", Status: storage.UploadUploaded}); err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}

	rr := serve(h, authReq(http.MethodGet, "/interactions?user=alice&limit=10", "", testToken))
	var list []storage.Interaction
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(list) != 2 || list[0].ID != "ix-2" {
		t.Errorf("interactions = %+v", list)
	}

	rr = serve(h, authReq(http.MethodGet, "/interactions/ix-1", "", testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"username":"bob"`) {
		t.Errorf("get interaction: %d %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodGet, "/interactions/nope", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing interaction status = %d, want 404", rr.Code)
	}

	rr = serve(h, authReq(http.MethodGet, "/uploads?user=alice", "", testToken))
	var uploads []storage.Upload
	if err := json.NewDecoder(rr.Body).Decode(&uploads); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(uploads) != 1 || uploads[0].ID != "u-1" {
		t.Errorf("uploads = %+v", uploads)
	}

	rr = serve(h, authReq(http.MethodGet, "/uploads?user=carol", "", testToken))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty uploads body = %q", rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodGet, "/uploads/u-1", "", testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"local_path":"a.pdf"`) {
		t.Errorf("get upload: %d %s", rr.Code, rr.Body.String())
	}
	rr = serve(h, authReq(http.MethodGet, "/uploads/nope", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing upload status = %d, want 404", rr.Code)
	}

	rr = serve(h, authReq(http.MethodDelete, "/interactions/ix-0", "", testToken))
	if rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rr.Code)
	}
	if _, err := store.GetInteraction("ix-0"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("interaction still stored after delete: %v", err)
	}
	rr = serve(h, authReq(http.MethodDelete, "/interactions/ix-0", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rr.Code)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=-1", 20},
		{"limit=abc", 20},
		{"limit=500", 100},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/x?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 20, 100); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
