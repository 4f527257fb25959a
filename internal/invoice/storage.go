package invoice

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// signedURLTTL is the lifetime of issued write/read references.
const signedURLTTL = 15 * time.Minute

// WriteLocation is a time-limited write capability for a blob path.
type WriteLocation struct {
	URL         string    `json:"url"`
	Method      string    `json:"method"`
	ObjectPath  string    `json:"object_path"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ReadLocation is a time-limited read capability for a blob path.
type ReadLocation struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BlobStore defines the interface for the blob reference issuer. The
// binary object itself lives with an external storage provider; the
// pipeline only ever holds references.
type BlobStore interface {
	// SignedWriteURL issues a time-limited write capability for the path.
	SignedWriteURL(ctx context.Context, path, contentType string) (*WriteLocation, error)

	// SignedReadURL issues a time-limited read capability for the path.
	SignedReadURL(ctx context.Context, path string) (*ReadLocation, error)

	// Delete removes the object. Callers treat failures as non-fatal when
	// deleting records.
	Delete(ctx context.Context, path string) error
}

// LocalBlobStore implements BlobStore on the local filesystem. References
// are relative URLs signed with HMAC-SHA256 and served by the HTTP
// server's /blobs handlers, which keeps the signed-URL contract intact
// without a cloud bucket.
type LocalBlobStore struct {
	basePath string
	baseURL  string
	secret   []byte
}

// NewLocalBlobStore creates a LocalBlobStore rooted at basePath. baseURL
// is the externally visible server URL the signed references point at.
func NewLocalBlobStore(basePath, baseURL, secret string) (*LocalBlobStore, error) {
	if secret == "" {
		return nil, fmt.Errorf("signing secret is required")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalBlobStore{
		basePath: basePath,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		secret:   []byte(secret),
	}, nil
}

// SignedWriteURL issues a signed PUT reference.
func (l *LocalBlobStore) SignedWriteURL(ctx context.Context, path, contentType string) (*WriteLocation, error) {
	if err := validateObjectPath(path); err != nil {
		return nil, err
	}
	expires := time.Now().Add(signedURLTTL)
	return &WriteLocation{
		URL:         l.signURL("PUT", path, expires),
		Method:      "PUT",
		ObjectPath:  path,
		ContentType: contentType,
		ExpiresAt:   expires,
	}, nil
}

// SignedReadURL issues a signed GET reference.
func (l *LocalBlobStore) SignedReadURL(ctx context.Context, path string) (*ReadLocation, error) {
	if err := validateObjectPath(path); err != nil {
		return nil, err
	}
	expires := time.Now().Add(signedURLTTL)
	return &ReadLocation{
		URL:       l.signURL("GET", path, expires),
		ExpiresAt: expires,
	}, nil
}

func (l *LocalBlobStore) signURL(method, path string, expires time.Time) string {
	exp := strconv.FormatInt(expires.Unix(), 10)
	sig := l.signature(method, path, exp)
	escaped := (&url.URL{Path: "/blobs/" + path}).EscapedPath()
	return fmt.Sprintf("%s%s?exp=%s&sig=%s", l.baseURL, escaped, exp, sig)
}

func (l *LocalBlobStore) signature(method, path, exp string) string {
	mac := hmac.New(sha256.New, l.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s", method, path, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signed blob request. It returns false for a
// bad signature or an expired reference.
func (l *LocalBlobStore) VerifySignature(method, path, exp, sig string) bool {
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || time.Now().After(time.Unix(expUnix, 0)) {
		return false
	}
	expected := l.signature(method, path, exp)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Save writes blob data for the path.
func (l *LocalBlobStore) Save(path string, data []byte) error {
	if err := validateObjectPath(path); err != nil {
		return err
	}
	full := filepath.Join(l.basePath, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	return nil
}

// Get reads blob data for the path.
func (l *LocalBlobStore) Get(path string) ([]byte, error) {
	if err := validateObjectPath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.basePath, filepath.FromSlash(path)))
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

// Delete removes the blob.
func (l *LocalBlobStore) Delete(ctx context.Context, path string) error {
	if err := validateObjectPath(path); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(l.basePath, filepath.FromSlash(path))); err != nil {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

// validateObjectPath rejects empty and traversal-prone object paths.
func validateObjectPath(path string) error {
	if path == "" {
		return &ValidationError{Field: "path", Reason: "must not be empty"}
	}
	if strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return &ValidationError{Field: "path", Reason: "must be a relative path without traversal"}
	}
	return nil
}
