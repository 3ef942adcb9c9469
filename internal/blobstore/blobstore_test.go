package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

type fakeBlobAPI struct {
	container string
	name      string
	body      string
	opts      *azblob.UploadStreamOptions
	err       error
}

func (f *fakeBlobAPI) UploadStream(_ context.Context, containerName, blobName string, body io.Reader, o *azblob.UploadStreamOptions) (azblob.UploadStreamResponse, error) {
	f.container, f.name, f.opts = containerName, blobName, o
	b, _ := io.ReadAll(body)
	f.body = string(b)
	return azblob.UploadStreamResponse{}, f.err
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  Dheeraj ", "Dheeraj", false},
		{"alice", "alice", false},
		{"", "", true},
		{"   ", "", true},
		{"..", "", true},
		{"a/b", "", true},
		{`a\b`, "", true},
	}
	for _, tt := range tests {
		got, err := ValidateUsername(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateUsername(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidUsername) {
			t.Errorf("ValidateUsername(%q) err = %v, want ErrInvalidUsername", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ValidateUsername(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBlobName(t *testing.T) {
	tests := []struct{ user, file, want string }{
		{"alice", "handbook.pdf", "alice/handbook.pdf"},
		{"alice", "/home/alice/docs/handbook.pdf", "alice/handbook.pdf"},
		{"alice", `C:\Users\alice\Desktop\leave policy.pdf`, "alice/leave policy.pdf"},
	}
	for _, tt := range tests {
		if got := BlobName(tt.user, tt.file); got != tt.want {
			t.Errorf("BlobName(%q, %q) = %q, want %q", tt.user, tt.file, got, tt.want)
		}
	}
}

func TestUserPrefix(t *testing.T) {
	got := UserPrefix("https://acct.blob.core.windows.net/", "policies", "alice")
	want := "https://acct.blob.core.windows.net/policies/alice/"
	if got != want {
		t.Errorf("UserPrefix = %q, want %q", got, want)
	}
}

func TestUpload(t *testing.T) {
	api := &fakeBlobAPI{}
	s := newWithClient(api, "https://acct.blob.core.windows.net/", "policies")

	obj, err := s.Upload(context.Background(), " alice ", `C:\tmp\handbook.pdf`, strings.NewReader("%PDF-1.4"), Metadata{UploadedBy: "alice", Pages: 12})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if api.container != "policies" {
		t.Errorf("container = %q", api.container)
	}
	if api.name != "alice/handbook.pdf" || obj.Name != "alice/handbook.pdf" {
		t.Errorf("blob name = %q / %q", api.name, obj.Name)
	}
	if obj.URL != "https://acct.blob.core.windows.net/policies/alice/handbook.pdf" {
		t.Errorf("URL = %q", obj.URL)
	}
	if !strings.HasPrefix(obj.URL, s.UserPrefix("alice")) {
		t.Errorf("URL %q is outside the user prefix %q", obj.URL, s.UserPrefix("alice"))
	}
	if api.body != "%PDF-1.4" {
		t.Errorf("body = %q", api.body)
	}
	if ct := api.opts.HTTPHeaders.BlobContentType; ct == nil || *ct != "application/pdf" {
		t.Errorf("content type = %v", ct)
	}
	if p := api.opts.Metadata["pages"]; p == nil || *p != "12" {
		t.Errorf("pages metadata = %v", p)
	}
}

func TestUpload_RejectsBadUser(t *testing.T) {
	api := &fakeBlobAPI{}
	s := newWithClient(api, "https://acct.blob.core.windows.net", "policies")

	_, err := s.Upload(context.Background(), "../bob", "x.pdf", strings.NewReader(""), Metadata{})
	if !errors.Is(err, ErrInvalidUsername) {
		t.Errorf("err = %v, want ErrInvalidUsername", err)
	}
	if api.name != "" {
		t.Error("upload should not have been attempted")
	}
}

func TestUpload_ContentTypeWithoutExtension(t *testing.T) {
	api := &fakeBlobAPI{}
	s := newWithClient(api, "https://acct.blob.core.windows.net", "policies")

	if _, err := s.Upload(context.Background(), "alice", "handbook", strings.NewReader("%PDF-1.4"), Metadata{}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ct := api.opts.HTTPHeaders.BlobContentType; ct == nil || *ct != "application/pdf" {
		t.Errorf("content type = %v, want application/pdf", ct)
	}
}

func TestValidateFilename(t *testing.T) {
	valid := map[string]string{
		"handbook.pdf":                "handbook.pdf",
		`C:\Users\a\Leave Policy.pdf`: "Leave Policy.pdf",
		"docs/handbook":               "handbook",
	}
	for in, want := range valid {
		got, err := ValidateFilename(in)
		if err != nil || got != want {
			t.Errorf("ValidateFilename(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"", "  ", ".", "..", "docs/..", "docs/"} {
		if _, err := ValidateFilename(in); !errors.Is(err, ErrInvalidFilename) {
			t.Errorf("ValidateFilename(%q) err = %v, want ErrInvalidFilename", in, err)
		}
	}
}

func TestUpload_RejectsDotDotFilename(t *testing.T) {
	api := &fakeBlobAPI{}
	s := newWithClient(api, "https://acct.blob.core.windows.net", "policies")

	_, err := s.Upload(context.Background(), "alice", "..", strings.NewReader(""), Metadata{})
	if !errors.Is(err, ErrInvalidFilename) {
		t.Errorf("err = %v, want ErrInvalidFilename", err)
	}
	if api.name != "" {
		t.Error("upload should not have been attempted")
	}
}

func TestUpload_ClientError(t *testing.T) {
	api := &fakeBlobAPI{err: errors.New("AuthorizationPermissionMismatch")}
	s := newWithClient(api, "https://acct.blob.core.windows.net", "policies")

	_, err := s.Upload(context.Background(), "alice", "x.pdf", strings.NewReader(""), Metadata{})
	if err == nil || !strings.Contains(err.Error(), "AuthorizationPermissionMismatch") {
		t.Errorf("err = %v", err)
	}
}
