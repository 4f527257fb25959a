package ocr

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// pdfToImage renders the first page of a PDF as a PNG image. Receipts and
// invoices are almost always single page.
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// imageToPNG converts any supported image format to PNG.
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	// HEIC/HEIF (common on iPhones) is not covered by the standard image
	// package.
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
				return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks the ftyp box brands HEIC files start with.
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return mimeType == "image/heic" || mimeType == "image/heif" ||
		strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// convertToPNG converts PDFs and non-PNG images to PNG format. Returns the
// PNG data and whether a conversion occurred.
func convertToPNG(imageData []byte, mimeType string) ([]byte, bool, error) {
	if mimeType == "application/pdf" {
		pngData, err := pdfToImage(imageData)
		if err != nil {
			return nil, false, fmt.Errorf("converting PDF to image: %w", err)
		}
		return pngData, true, nil
	} else if mimeType != "image/png" || isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		pngData, err := imageToPNG(imageData, mimeType)
		if err != nil {
			return nil, false, fmt.Errorf("converting image to PNG: %w", err)
		}
		return pngData, true, nil
	}
	return imageData, false, nil
}

// enhanceForOCR applies contrast and sharpening so printed text survives
// poor phone photos. The input and output are PNG data.
func enhanceForOCR(pngData []byte) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(pngData))
	if err != nil {
		return nil, fmt.Errorf("decoding image for enhancement: %w", err)
	}

	img := imaging.Grayscale(src)
	img = imaging.AdjustContrast(img, 30)
	img = imaging.Sharpen(img, 1.5)
	img = imaging.AdjustBrightness(img, 10)
	img = imaging.AdjustGamma(img, 1.2)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encoding enhanced image: %w", err)
	}
	return buf.Bytes(), nil
}

// prepareImage normalizes the MIME type, converts the document to PNG and
// enhances it for recognition. Enhancement failures fall back to the
// unenhanced PNG since the original is still recognizable.
func prepareImage(imageData []byte, contentType string) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg" // default
	}

	pngData, _, err := convertToPNG(imageData, mimeType)
	if err != nil {
		return nil, err
	}

	enhanced, err := enhanceForOCR(pngData)
	if err != nil {
		return pngData, nil
	}
	return enhanced, nil
}
