package woofr

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strings"
)

// maxMediaSize bounds attachment uploads client-side; the backend enforces
// the same limit.
const maxMediaSize = 20 * 1024 * 1024

// buildMediaForm assembles the multipart body for a send carrying a media
// attachment. The bytes are buffered so the transport can resubmit the
// identical request on retry.
func buildMediaForm(text string, media []byte, name string) (*requestBody, error) {
	if len(media) > maxMediaSize {
		return nil, &APIError{Kind: KindClient, Message: fmt.Sprintf("media exceeds maximum size of %d bytes", maxMediaSize)}
	}
	if name == "" {
		name = "photo.jpg"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if text != "" {
		if err := w.WriteField("text", text); err != nil {
			return nil, fmt.Errorf("write text field: %w", err)
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename=%q`, name))
	header.Set("Content-Type", guessMimeType(name))
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(media); err != nil {
		return nil, fmt.Errorf("write media: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize form: %w", err)
	}
	return &requestBody{data: buf.Bytes(), contentType: w.FormDataContentType()}, nil
}

// guessMimeType returns the MIME type for a media filename.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".webp": "image/webp", ".heic": "image/heic",
	}
	if m, ok := fallback[strings.ToLower(ext)]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
