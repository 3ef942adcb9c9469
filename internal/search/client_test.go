package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL+"/", "policies-index", "test-key", "2023-11-01")
	c.backoff = time.Millisecond
	return c
}

func TestPathRangeFilter(t *testing.T) {
	got := PathRangeFilter("https://acct.blob.core.windows.net/docs/alice/")
	want := "metadata_storage_path ge 'https://acct.blob.core.windows.net/docs/alice/' and " +
		"metadata_storage_path lt 'https://acct.blob.core.windows.net/docs/alice/~'"
	if got != want {
		t.Errorf("PathRangeFilter =\n  %q\nwant\n  %q", got, want)
	}
}

func TestPathRangeFilter_EscapesQuotes(t *testing.T) {
	got := PathRangeFilter("https://a/docs/o'brien/")
	if !strings.Contains(got, "'https://a/docs/o''brien/'") {
		t.Errorf("quote not escaped: %q", got)
	}
}

func TestSearch(t *testing.T) {
	var gotReq searchRequest
	var gotPath, gotKey, gotVersion string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("api-key")
		gotVersion = r.URL.Query().Get("api-version")
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[
			{"@search.score": 2.5, "content": "Leave is 20 days.", "metadata_storage_path": "https://a/docs/alice/leave.pdf"},
			{"@search.score": 1.1, "content": "Remote work policy.", "metadata_storage_path": "https://a/docs/alice/remote.pdf"}
		]}`)
	})

	docs, err := c.Search(context.Background(), Query{Text: "leave days", PathPrefix: "https://a/docs/alice/"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if gotPath != "/indexes/policies-index/docs/search" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api-key = %q", gotKey)
	}
	if gotVersion != "2023-11-01" {
		t.Errorf("api-version = %q", gotVersion)
	}
	if gotReq.Search != "leave days" {
		t.Errorf("search = %q", gotReq.Search)
	}
	if gotReq.Top != 3 {
		t.Errorf("top = %d, want default 3", gotReq.Top)
	}
	if gotReq.Select != "content,metadata_storage_path" {
		t.Errorf("select = %q", gotReq.Select)
	}
	if gotReq.Filter != PathRangeFilter("https://a/docs/alice/") {
		t.Errorf("filter = %q", gotReq.Filter)
	}

	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
	if docs[0].Source != "https://a/docs/alice/leave.pdf" || docs[0].Content != "Leave is 20 days." {
		t.Errorf("docs[0] = %+v", docs[0])
	}
	if docs[0].Score != 2.5 {
		t.Errorf("docs[0].Score = %v", docs[0].Score)
	}
}

func TestSearch_NoPrefixNoFilter(t *testing.T) {
	var raw map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		fmt.Fprint(w, `{"value":[]}`)
	})

	docs, err := c.Search(context.Background(), Query{Text: "x", Top: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("got %d docs, want 0", len(docs))
	}
	if _, ok := raw["filter"]; ok {
		t.Errorf("filter sent without prefix: %v", raw["filter"])
	}
	if raw["top"] != float64(5) {
		t.Errorf("top = %v, want 5", raw["top"])
	}
}

func TestSearch_Forbidden(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	})

	_, err := c.Search(context.Background(), Query{Text: "x"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Status != http.StatusForbidden || !strings.Contains(se.Body, "bad key") {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestSearch_RetriesThrottling(t *testing.T) {
	var attempts atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"value":[{"content":"ok","metadata_storage_path":"p"}]}`)
	})

	docs, err := c.Search(context.Background(), Query{Text: "x"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("got %d docs", len(docs))
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestSearch_GivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Search(context.Background(), Query{Text: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != maxRetries {
		t.Errorf("attempts = %d, want %d", attempts.Load(), maxRetries)
	}
}

func TestRunIndexer(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	})

	if err := c.RunIndexer(context.Background(), "blob-indexer"); err != nil {
		t.Fatalf("RunIndexer: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/indexers/blob-indexer/run" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}

	if err := c.RunIndexer(context.Background(), ""); err == nil {
		t.Error("expected error for empty indexer name")
	}
}

func TestIndexerStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"running","lastResult":{"status":"success","itemsProcessed":4,"itemsFailed":0,"startTime":"2026-10-01T10:00:00Z"}}`)
	})

	st, err := c.IndexerStatus(context.Background(), "blob-indexer")
	if err != nil {
		t.Fatalf("IndexerStatus: %v", err)
	}
	if st.Status != "running" {
		t.Errorf("Status = %q", st.Status)
	}
	if st.LastResult == nil || st.LastResult.Status != "success" || st.LastResult.ItemCount != 4 {
		t.Errorf("LastResult = %+v", st.LastResult)
	}
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/indexes/policies-index/stats" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"documentCount": 42, "storageSize": 1024}`)
	})

	st, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if st.DocumentCount != 42 {
		t.Errorf("DocumentCount = %d", st.DocumentCount)
	}
}
