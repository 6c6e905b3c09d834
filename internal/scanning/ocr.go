package scanning

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"golang.org/x/sync/semaphore"
)

// Fragment is a piece of text found by an OCR engine
type Fragment struct {
	Text       string          `json:"text"`
	Box        image.Rectangle `json:"box"`
	Confidence float64         `json:"confidence"`
}

// TextExtractor recognizes text in an image. Fragments come back in
// detection order, which is not guaranteed to be reading order.
type TextExtractor interface {
	Extract(ctx context.Context, imageData []byte) ([]Fragment, error)
}

// Tesseract implements TextExtractor using the Tesseract engine
type Tesseract struct {
	languages []string

	// slots bounds engine runs, including abandoned ones still finishing
	slots *semaphore.Weighted
	run   func(imageData []byte) ([]Fragment, error)
}

// NewTesseract creates a Tesseract extractor for the given languages (default
// "eng"). At most one engine run per CPU is active at a time.
func NewTesseract(languages ...string) *Tesseract {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	t := &Tesseract{
		languages: languages,
		slots:     semaphore.NewWeighted(int64(runtime.NumCPU())),
	}
	t.run = t.extract
	return t
}

type extraction struct {
	fragments []Fragment
	err       error
}

// Extract runs OCR on a PNG/JPEG image and returns one fragment per text line.
// The engine cannot be interrupted, so on cancellation the call returns
// immediately and the engine finishes in the background, keeping its slot
// until it is done.
func (t *Tesseract) Extract(ctx context.Context, imageData []byte) ([]Fragment, error) {
	if err := t.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for OCR engine: %w", err)
	}

	done := make(chan extraction, 1)
	go func() {
		defer t.slots.Release(1)
		fragments, err := t.run(imageData)
		done <- extraction{fragments: fragments, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.fragments, res.err
	}
}

func (t *Tesseract) extract(imageData []byte) ([]Fragment, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, fmt.Errorf("setting OCR language: %w", err)
	}
	if err := client.SetImageFromBytes(imageData); err != nil {
		return nil, fmt.Errorf("loading image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("recognizing text: %w", err)
	}

	fragments := make([]Fragment, 0, len(boxes))
	for _, box := range boxes {
		text := strings.TrimSpace(box.Word)
		if text == "" {
			continue
		}
		fragments = append(fragments, Fragment{
			Text:       text,
			Box:        box.Box,
			Confidence: box.Confidence,
		})
	}
	return fragments, nil
}

// OCR is the local analysis strategy: OCR, format, parse, render
type OCR struct {
	extractor TextExtractor
	parser    *Parser
}

// NewOCR creates an OCR Scanner
func NewOCR(extractor TextExtractor, parser *Parser) *OCR {
	return &OCR{
		extractor: extractor,
		parser:    parser,
	}
}

// ScanReceipt extracts the receipt text and renders the parsed record
func (o *OCR) ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*Result, error) {
	pngData, converted, err := toPNG(imageData, contentType)
	if err != nil {
		return nil, fmt.Errorf("preparing image: %w", err)
	}
	if converted {
		slog.Debug("Converted image for OCR", "content_type", contentType, "size", len(pngData))
	}

	fragments, err := o.extractor.Extract(ctx, pngData)
	if err != nil {
		return nil, fmt.Errorf("extracting text: %w", err)
	}

	lines := make([]string, 0, len(fragments))
	for _, f := range fragments {
		lines = append(lines, f.Text)
	}

	record := o.parser.Parse(FormatLines(lines))
	if record.Failed() {
		slog.Warn("Receipt text could not be parsed", "error", record.Error)
	}

	return &Result{
		Strategy: o.Name(),
		Text:     RenderMarkdown(record),
		Record:   record,
		Lines:    lines,
	}, nil
}

func (o *OCR) Name() string {
	return "ocr"
}

func (o *OCR) Close() error {
	return nil
}
