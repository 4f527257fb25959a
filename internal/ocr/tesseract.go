package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract implements the Provider interface using a local Tesseract
// installation via gosseract. Unlike the Azure provider it reports a
// confidence score, averaged over recognized lines.
type Tesseract struct {
	languages []string
}

// NewTesseract creates a new Tesseract OCR provider.
func NewTesseract(languages ...string) *Tesseract {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Tesseract{languages: languages}
}

// DetectText downloads the referenced image, normalizes it and recognizes
// its text. gosseract calls never observe a context, so recognition runs
// through recognizeWithin to keep the per-call timeout in force.
func (t *Tesseract) DetectText(ctx context.Context, imageURL, contentType string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	imageData, err := fetchImage(ctx, imageURL)
	if err != nil {
		return nil, err
	}

	prepared, err := prepareImage(imageData, contentType)
	if err != nil {
		return nil, err
	}

	return recognizeWithin(ctx, func() (*Result, error) {
		return t.recognize(prepared)
	})
}

// recognizeWithin runs the recognition in a goroutine and abandons it when
// the context expires. The abandoned goroutine finishes on its own and
// releases its client; only the result is dropped.
func recognizeWithin(ctx context.Context, recognize func() (*Result, error)) (*Result, error) {
	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := recognize()
		done <- outcome{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("recognizing text: %w", ctx.Err())
	case out := <-done:
		return out.result, out.err
	}
}

// recognize runs a fresh gosseract client over the prepared image. The
// client is not safe for concurrent use, so each call gets its own.
func (t *Tesseract) recognize(prepared []byte) (*Result, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, fmt.Errorf("setting languages: %w", err)
	}
	if err := client.SetImageFromBytes(prepared); err != nil {
		return nil, fmt.Errorf("setting image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("recognizing text: %w", err)
	}

	result := &Result{FullText: strings.TrimSpace(text)}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil || len(boxes) == 0 {
		return result, nil
	}

	var sum float64
	for _, b := range boxes {
		conf := b.Confidence / 100.0
		sum += conf
		result.Blocks = append(result.Blocks, Block{
			Text:       strings.TrimSpace(b.Word),
			X:          b.Box.Min.X,
			Y:          b.Box.Min.Y,
			Width:      b.Box.Dx(),
			Height:     b.Box.Dy(),
			Confidence: conf,
		})
	}
	avg := sum / float64(len(boxes))
	result.Confidence = &avg

	return result, nil
}

// Close releases provider resources.
func (t *Tesseract) Close() error {
	return nil
}
