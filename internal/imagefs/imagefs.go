// Package imagefs finds image files in a folder and encodes them for
// embedding in a model request.
package imagefs

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
)

// ErrFilesystem marks failures to read a folder or an image file.
var ErrFilesystem = errors.New("filesystem error")

// The formats accepted by the vision models.
var validExtensions = map[string]string{
	".png":  "image/png",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// Image is an encoded image ready to be attached to a request.
type Image struct {
	Name     string
	MIMEType string
	Base64   string
}

// DataURI returns the image as a data URI, e.g. data:image/png;base64,....
func (im Image) DataURI() string {
	return "data:" + im.MIMEType + ";base64," + im.Base64
}

// ext returns the lower-cased extension of name. Leading dots belong to the
// stem, so ".png" has no extension.
func ext(name string) string {
	return strings.ToLower(filepath.Ext(strings.TrimLeft(filepath.Base(name), ".")))
}

// IsValidImage reports whether name has one of the accepted image
// extensions. The comparison ignores case.
func IsValidImage(name string) bool {
	_, ok := validExtensions[ext(name)]
	return ok
}

// MIMEType returns the MIME type for name based on its extension, defaulting
// to image/jpeg.
func MIMEType(name string) string {
	if mt, ok := validExtensions[ext(name)]; ok {
		return mt
	}
	return "image/jpeg"
}

// ListImages returns the names of the image files directly inside dir, in
// filename order. Subdirectories and files with other extensions are skipped.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %w", ErrFilesystem, dir, err)
	}

	images := lo.Filter(entries, func(e os.DirEntry, _ int) bool {
		return !e.IsDir() && IsValidImage(e.Name())
	})
	return lo.Map(images, func(e os.DirEntry, _ int) string { return e.Name() }), nil
}

// EncodeImage reads the file at path and returns its contents as standard
// base64 text without line breaks. The contents are not validated.
func EncodeImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: reading image: %w", ErrFilesystem, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Load encodes the image at path.
func Load(path string) (Image, error) {
	b64, err := EncodeImage(path)
	if err != nil {
		return Image{}, err
	}

	return Image{
		Name:     filepath.Base(path),
		MIMEType: MIMEType(path),
		Base64:   b64,
	}, nil
}
