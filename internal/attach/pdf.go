// Package attach turns uploaded attachments into queueable payloads.
package attach

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/zettel/internal/note"
)

// MaxSize bounds a single attachment.
const MaxSize = 20 << 20

const pdfMediaType = "application/pdf"

// ExtractPDFText returns the plain text of a PDF document.
func ExtractPDFText(data []byte) (text string, err error) {
	// The reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reading pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Document builds a document payload from PDF bytes. Text extraction
// failures are tolerated: the bytes alone still make a valid payload, and
// the caption question asks the user for context.
func Document(data []byte, caption string) (note.Payload, error) {
	if len(data) == 0 {
		return note.Payload{}, fmt.Errorf("%w: document is empty", note.ErrEmptyPayload)
	}
	if len(data) > MaxSize {
		return note.Payload{}, fmt.Errorf("document is %d bytes, limit is %d", len(data), MaxSize)
	}
	p := note.Payload{Kind: note.KindDocument, Caption: strings.TrimSpace(caption), MediaType: pdfMediaType, Data: data}
	if text, err := ExtractPDFText(data); err == nil {
		p.Text = text
	}
	return p, nil
}

// Image builds an image payload, sniffing the media type when none is given.
func Image(data []byte, mediaType, caption string) (note.Payload, error) {
	if len(data) == 0 {
		return note.Payload{}, fmt.Errorf("%w: image is empty", note.ErrEmptyPayload)
	}
	if len(data) > MaxSize {
		return note.Payload{}, fmt.Errorf("image is %d bytes, limit is %d", len(data), MaxSize)
	}
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return note.Payload{}, fmt.Errorf("unsupported image type %q", mediaType)
	}
	return note.Payload{Kind: note.KindImage, Caption: strings.TrimSpace(caption), MediaType: mediaType, Data: data}, nil
}
