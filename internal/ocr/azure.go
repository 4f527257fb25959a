package ocr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/services/cognitiveservices/v3.0/computervision"
	"github.com/Azure/go-autorest/autorest"
)

// Azure implements the Provider interface using the Azure Computer Vision
// printed-text OCR API.
type Azure struct {
	client *computervision.BaseClient
}

// NewAzure creates a new Azure OCR provider.
func NewAzure(endpoint, apiKey string) (*Azure, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("azure endpoint is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("azure api key is required")
	}

	client := computervision.New(endpoint)
	client.Authorizer = autorest.NewCognitiveServicesAuthorizer(apiKey)

	return &Azure{client: &client}, nil
}

// DetectText downloads the referenced image, normalizes it and runs the
// printed-text recognizer. The Computer Vision OCR endpoint reports no
// confidence score, so Result.Confidence stays nil.
func (a *Azure) DetectText(ctx context.Context, imageURL, contentType string) (*Result, error) {
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

	imageReader := io.NopCloser(bytes.NewReader(prepared))
	result, err := a.client.RecognizePrintedTextInStream(
		ctx,
		true,
		imageReader,
		computervision.OcrLanguages(computervision.En),
	)
	if err != nil {
		return nil, fmt.Errorf("recognizing text: %w", err)
	}

	return foldOCRResult(result), nil
}

// Close releases provider resources (no-op for the REST client).
func (a *Azure) Close() error {
	return nil
}

// foldOCRResult flattens the region/line/word hierarchy into text blocks
// and a newline-joined full text.
func foldOCRResult(result computervision.OcrResult) *Result {
	var blocks []Block
	var fullText strings.Builder

	if result.Regions == nil {
		return &Result{}
	}

	for _, region := range *result.Regions {
		if region.Lines == nil {
			continue
		}
		for _, line := range *region.Lines {
			var lineText strings.Builder
			var boundingBox []int

			if line.BoundingBox != nil {
				for _, part := range strings.Split(*line.BoundingBox, ",") {
					val, _ := strconv.Atoi(part)
					boundingBox = append(boundingBox, val)
				}
			}

			if line.Words != nil {
				for _, word := range *line.Words {
					if word.Text == nil {
						continue
					}
					lineText.WriteString(*word.Text)
					lineText.WriteString(" ")
				}
			}

			text := strings.TrimSpace(lineText.String())
			if text == "" {
				continue
			}
			if fullText.Len() > 0 {
				fullText.WriteString("\n")
			}
			fullText.WriteString(text)

			block := Block{Text: text}
			if len(boundingBox) >= 4 {
				block.X = boundingBox[0]
				block.Y = boundingBox[1]
				block.Width = boundingBox[2]
				block.Height = boundingBox[3]
			}
			blocks = append(blocks, block)
		}
	}

	return &Result{
		FullText: fullText.String(),
		Blocks:   blocks,
	}
}
