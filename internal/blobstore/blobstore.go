// Package blobstore uploads documents into per-user virtual folders of an
// Azure Blob Storage container, authenticating with an Azure identity.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// ErrInvalidUsername is returned for names that cannot be used as a folder.
var ErrInvalidUsername = errors.New("invalid username")

// ValidateUsername trims name and checks it is usable as a single folder
// segment. Separators are rejected so one user's folder can never be nested
// inside another's.
func ValidateUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	case name == "." || name == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, name)
	case strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidUsername, name)
	}
	return name, nil
}

// ErrInvalidFilename is returned for file names with no usable base name.
var ErrInvalidFilename = errors.New("invalid filename")

// ValidateFilename returns the base name of filename, rejecting names that
// would not produce a file inside the user's folder.
func ValidateFilename(filename string) (string, error) {
	base := strings.TrimSpace(filename[strings.LastIndexAny(filename, `\/`)+1:])
	switch base {
	case "":
		return "", fmt.Errorf("%w: empty", ErrInvalidFilename)
	case ".", "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	return base, nil
}

// BlobName returns the blob path for a file in user's folder.
func BlobName(user, filename string) string {
	base := filename[strings.LastIndexAny(filename, `\/`)+1:]
	return user + "/" + base
}

// UserPrefix returns the URL prefix shared by every blob in user's folder.
// The search indexer stores this URL form in metadata_storage_path.
func UserPrefix(accountURL, container, user string) string {
	return strings.TrimRight(accountURL, "/") + "/" + container + "/" + user + "/"
}

// Metadata is attached to every uploaded blob.
type Metadata struct {
	UploadedBy string
	Pages      int
}

// Object identifies an uploaded blob.
type Object struct {
	Name string
	URL  string
}

// blobAPI is the subset of *azblob.Client used here.
type blobAPI interface {
	UploadStream(ctx context.Context, containerName, blobName string, body io.Reader, o *azblob.UploadStreamOptions) (azblob.UploadStreamResponse, error)
}

// Store uploads into a single container.
type Store struct {
	client     blobAPI
	accountURL string
	container  string
}

// New creates a Store for accountURL using cred. No account keys are used.
func New(accountURL, container string, cred azcore.TokenCredential) (*Store, error) {
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}
	return newWithClient(client, accountURL, container), nil
}

func newWithClient(c blobAPI, accountURL, container string) *Store {
	return &Store{client: c, accountURL: strings.TrimRight(accountURL, "/"), container: container}
}

// UserPrefix returns the URL prefix of user's folder in this container.
func (s *Store) UserPrefix(user string) string {
	return UserPrefix(s.accountURL, s.container, user)
}

// Upload streams body into user's folder, replacing any blob with the same
// name.
func (s *Store) Upload(ctx context.Context, user, filename string, body io.Reader, meta Metadata) (Object, error) {
	user, err := ValidateUsername(user)
	if err != nil {
		return Object{}, err
	}
	if _, err := ValidateFilename(filename); err != nil {
		return Object{}, err
	}

	name := BlobName(user, filename)
	opts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/pdf")},
		Metadata: map[string]*string{
			"uploaded_by": to.Ptr(meta.UploadedBy),
			"pages":       to.Ptr(fmt.Sprint(meta.Pages)),
		},
	}
	if _, err := s.client.UploadStream(ctx, s.container, name, body, opts); err != nil {
		return Object{}, fmt.Errorf("uploading %s: %w", name, err)
	}

	return Object{
		Name: name,
		URL:  s.accountURL + "/" + s.container + "/" + name,
	}, nil
}
