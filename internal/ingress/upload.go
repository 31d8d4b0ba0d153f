package ingress

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/dunamismax/heicflow/internal/convert"
)

const (
	UploadField = "image"

	// multipartOverhead covers boundaries and part headers on top of the
	// file payload itself.
	multipartOverhead = 64 * 1024
)

// ReadUpload streams a multipart request and returns the contents of the
// image field. Other fields are skipped. The body is capped at maxBytes plus
// multipart overhead and the file part at maxBytes.
func ReadUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (convert.Input, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		return convert.Input{}, convert.ValidationError(fmt.Errorf("%w: %v", convert.ErrNoInput, err))
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return convert.Input{}, convert.ValidationError(convert.ErrNoInput)
		}
		if err != nil {
			return convert.Input{}, uploadReadError(err)
		}

		if part.FormName() != UploadField {
			_ = part.Close()
			continue
		}

		data, err := readLimited(part, maxBytes)
		_ = part.Close()
		if err != nil {
			return convert.Input{}, uploadReadError(err)
		}
		if len(data) == 0 {
			return convert.Input{}, convert.ValidationError(convert.ErrNoInput)
		}

		return convert.Input{
			Data:      data,
			MediaType: mediaType(part.Header.Get("Content-Type")),
			Filename:  part.FileName(),
		}, nil
	}
}

func uploadReadError(err error) error {
	if errors.Is(err, convert.ErrTooLarge) {
		return convert.ValidationError(err)
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return convert.ValidationError(fmt.Errorf("%w: %v", convert.ErrTooLarge, err))
	}
	return convert.ValidationError(fmt.Errorf("read upload: %w", err))
}

// readLimited reads at most maxBytes from r and reports ErrTooLarge when the
// source holds more.
func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	limited := &io.LimitedReader{R: r, N: maxBytes + 1}
	data, err := io.ReadAll(limited)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w: max %d bytes", convert.ErrTooLarge, maxBytes)
		}
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", convert.ErrTooLarge, maxBytes)
	}
	return data, nil
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return mt
}
