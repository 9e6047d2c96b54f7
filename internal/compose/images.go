package compose

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"net/http"
	"os"
	"regexp"
	"unicode"
	"unicode/utf8"

	// Header decoders for the formats accepted inline.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Limits on images loaded inline into a prompt. Anything larger is
// reported as an error and the reference is dropped from the message.
const (
	MaxImageBytes     = 5 * 1024 * 1024
	MaxImageDimension = 8000
)

// imageRefPattern matches @<path> tokens. The token runs to the next
// whitespace; the at-sign must start the input or follow whitespace so
// that emails and handles embedded in prose are left alone.
var imageRefPattern = regexp.MustCompile(`@[^\s@]+`)

// ImageReference is one @<path> token found in a raw user message.
type ImageReference struct {
	// Token is the matched text including the leading at-sign.
	Token string
	// Path is the referenced file path, relative or absolute.
	Path string
}

// LoadedImage is a validated image encoded for inline transport.
type LoadedImage struct {
	Reference string
	Path      string
	MediaType string
	// Data is the standard base64 encoding of the file contents.
	Data string
}

// ParseImageReferences extracts @<path> tokens from text in appearance
// order. Repeated references are returned once per occurrence.
func ParseImageReferences(text string) []ImageReference {
	var refs []ImageReference
	for _, loc := range imageRefPattern.FindAllStringIndex(text, -1) {
		if !startsToken(text, loc[0]) {
			continue
		}
		token := text[loc[0]:loc[1]]
		refs = append(refs, ImageReference{Token: token, Path: token[1:]})
	}
	return refs
}

// startsToken reports whether position i begins a whitespace-delimited
// token, so "user@host" is not treated as an image reference.
func startsToken(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return unicode.IsSpace(r)
}

// LoadImage reads and validates one image file for inline transport. The
// file must be a jpeg, png, gif, or webp within the size and dimension
// limits.
func LoadImage(path string) (LoadedImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedImage{}, fmt.Errorf("read image: %w", err)
	}
	if len(data) > MaxImageBytes {
		return LoadedImage{}, fmt.Errorf("image is %d bytes, limit is %d", len(data), MaxImageBytes)
	}

	mediaType, err := detectMediaType(data)
	if err != nil {
		return LoadedImage{}, err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return LoadedImage{}, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width > MaxImageDimension || cfg.Height > MaxImageDimension {
		return LoadedImage{}, fmt.Errorf("image is %dx%d, limit is %d px per side", cfg.Width, cfg.Height, MaxImageDimension)
	}

	return LoadedImage{
		Path:      path,
		MediaType: mediaType,
		Data:      base64.StdEncoding.EncodeToString(data),
	}, nil
}

// detectMediaType sniffs the file header and admits only the image
// formats the runtime accepts inline.
func detectMediaType(data []byte) (string, error) {
	switch mediaType := http.DetectContentType(data); mediaType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return mediaType, nil
	default:
		return "", fmt.Errorf("unsupported image format %s", mediaType)
	}
}
