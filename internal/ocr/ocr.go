package ocr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Block is a recognized line of text with its position on the page.
type Block struct {
	Text       string  `json:"text"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// Result is the outcome of a text detection call. Confidence is nil when
// the engine does not report one.
type Result struct {
	FullText   string
	Confidence *float64
	Blocks     []Block
}

// Provider defines the interface for OCR providers. The image is addressed
// by a time-limited read URL issued by the blob layer.
type Provider interface {
	// DetectText downloads the referenced image and extracts its text.
	DetectText(ctx context.Context, imageURL, contentType string) (*Result, error)
	// Close releases provider resources.
	Close() error
}

// callTimeout bounds a single provider invocation. Readers treat records
// stuck in a running state longer than this as retry-eligible.
const callTimeout = 2 * time.Minute

// fetchImage downloads the image bytes from a signed read URL.
func fetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching image: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading image body: %w", err)
	}
	return data, nil
}
