// Package imagecheck decides which uploads the front-ends pass on for diagnosis.
package imagecheck

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

var (
	ErrEmpty       = errors.New("image is empty")
	ErrTooLarge    = errors.New("image is too large")
	ErrUnsupported = errors.New("unsupported image type")
	ErrUndecodable = errors.New("image cannot be decoded")
)

// Allowed are the MIME types accepted from users.
var Allowed = []string{"image/png", "image/jpeg", "image/webp"}

type Info struct {
	MIMEType string
	Width    int
	Height   int
	Size     int
}

// Validate checks size, type and decodability. The declared type wins when it
// is allowed; otherwise the sniffed one is used.
func Validate(data []byte, declared string, maxBytes int64) (Info, error) {
	if len(data) == 0 {
		return Info{}, ErrEmpty
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return Info{}, fmt.Errorf("%w: %d bytes, max %d", ErrTooLarge, len(data), maxBytes)
	}

	mt := normalize(declared)
	if !allowed(mt) {
		mt = normalize(http.DetectContentType(data))
	}
	if !allowed(mt) {
		return Info{}, fmt.Errorf("%w: %s", ErrUnsupported, mt)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if "image/"+format != mt {
		// content wins over a wrong declaration
		mt = "image/" + format
	}
	return Info{MIMEType: mt, Width: cfg.Width, Height: cfg.Height, Size: len(data)}, nil
}

func normalize(mt string) string {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}

func allowed(mt string) bool {
	for _, a := range Allowed {
		if a == mt {
			return true
		}
	}
	return false
}
