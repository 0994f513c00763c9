// Package imageenc turns image files into inline payloads for the model.
package imageenc

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"leafdoc/api/internal/diagnosis"
)

// dataURLProbe bounds how far into the content a "data:...;base64," prefix is looked for.
const dataURLProbe = 256

// Encode reads r to the end and returns its base64 payload. The MIME type is
// never checked against an allow-list; when empty it is taken from a data URL
// prefix or sniffed from the bytes.
func Encode(ctx context.Context, r io.Reader, mimeType string) (diagnosis.EncodedImage, error) {
	const op = "imageenc.Encode"
	if err := ctx.Err(); err != nil {
		return diagnosis.EncodedImage{}, &diagnosis.Error{Kind: diagnosis.KindRead, Op: op, Err: err}
	}
	if r == nil {
		return diagnosis.EncodedImage{}, &diagnosis.Error{Kind: diagnosis.KindRead, Op: op, Err: errors.New("nil reader")}
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return diagnosis.EncodedImage{}, &diagnosis.Error{Kind: diagnosis.KindRead, Op: op, Err: err}
	}

	if isDataURL(b) {
		payload, hint := splitDataURL(string(b))
		return diagnosis.EncodedImage{Data: payload, MIMEType: PickMIME(mimeType, hint, nil)}, nil
	}
	return EncodeBytes(b, mimeType), nil
}

// EncodeBytes encodes data already in memory.
func EncodeBytes(data []byte, mimeType string) diagnosis.EncodedImage {
	return diagnosis.EncodedImage{
		Data:     base64.StdEncoding.EncodeToString(data),
		MIMEType: PickMIME(mimeType, "", data),
	}
}

// EncodeFile reads an image from disk. The MIME type comes from the file
// extension, falling back to content sniffing.
func EncodeFile(ctx context.Context, path string) (diagnosis.EncodedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return diagnosis.EncodedImage{}, &diagnosis.Error{Kind: diagnosis.KindRead, Op: "imageenc.EncodeFile", Err: err}
	}
	defer f.Close()

	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return Encode(ctx, f, mt)
}

// EncodeDataURL accepts either a data URL or a bare base64 string, checks
// that the payload decodes, and returns it without the prefix.
func EncodeDataURL(s, mimeType string) (diagnosis.EncodedImage, error) {
	data, hint, err := DecodeBase64MaybeDataURL(s)
	if err != nil {
		return diagnosis.EncodedImage{}, &diagnosis.Error{Kind: diagnosis.KindRead, Op: "imageenc.EncodeDataURL", Err: err}
	}
	return EncodeBytes(data, PickMIME(mimeType, hint, data)), nil
}

// Decode returns the raw bytes of an encoded image.
func Decode(img diagnosis.EncodedImage) ([]byte, error) {
	return base64.StdEncoding.DecodeString(img.Data)
}

// MakeDataURL renders img as data:<mime>;base64,<payload>.
func MakeDataURL(img diagnosis.EncodedImage) string {
	return "data:" + img.MIMEType + ";base64," + img.Data
}

// DecodeBase64MaybeDataURL decodes base64, standard first and URL-safe second.
// For a data URL it also returns the MIME type from the prefix.
func DecodeBase64MaybeDataURL(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	var hint string
	if strings.HasPrefix(strings.ToLower(s), "data:") {
		s, hint = splitDataURL(s)
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, hint, nil
	} else if b2, err2 := base64.URLEncoding.DecodeString(s); err2 == nil {
		return b2, hint, nil
	} else {
		return nil, "", fmt.Errorf("bad base64: %w", err)
	}
}

// PickMIME prefers the explicit type, then the data URL hint, then sniffing.
func PickMIME(explicit, hint string, data []byte) string {
	if exp := strings.TrimSpace(explicit); exp != "" {
		return exp
	}
	if h := strings.TrimSpace(hint); h != "" {
		return h
	}
	if len(data) > 0 {
		return http.DetectContentType(data)
	}
	return "application/octet-stream"
}

func isDataURL(b []byte) bool {
	head := b
	if len(head) > dataURLProbe {
		head = head[:dataURLProbe]
	}
	head = bytes.TrimLeft(head, " \t\r\n")
	if len(head) < 5 || !strings.EqualFold(string(head[:5]), "data:") {
		return false
	}
	return bytes.Contains(bytes.ToLower(head), []byte(";base64,"))
}

// splitDataURL splits data:<mime>;base64,<payload> into payload and mime.
func splitDataURL(s string) (payload, mimeType string) {
	s = strings.TrimSpace(s)
	i := strings.IndexByte(s, ',')
	if i < 0 {
		return s, ""
	}
	meta := s[len("data:"):i]
	if semi := strings.IndexByte(meta, ';'); semi >= 0 {
		mimeType = meta[:semi]
	} else {
		mimeType = meta
	}
	return strings.TrimSpace(s[i+1:]), mimeType
}
