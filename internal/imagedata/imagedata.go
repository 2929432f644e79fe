// Package imagedata turns image files into the base64 text that vision
// models accept inline. It never inspects image structure; a file that is not
// an image is encoded all the same.
package imagedata

import (
	"bytes"
	"encoding/base64"
	"os"
)

const fallbackMIMEType = "image/jpeg"

type Image struct {
	Base64   string
	MIMEType string
}

// DataURI renders the image as data:<mime>;base64,<payload>.
func (i Image) DataURI() string {
	mime := i.MIMEType
	if mime == "" {
		mime = fallbackMIMEType
	}
	return "data:" + mime + ";base64," + i.Base64
}

func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func EncodeFile(path string) (Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, err
	}
	return Image{Base64: Encode(data), MIMEType: SniffMIMEType(data)}, nil
}

// SniffMIMEType recognises the common still-image signatures and falls back
// to image/jpeg for everything else.
func SniffMIMEType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return fallbackMIMEType
	}
}
