package transcribe

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

const jpegQuality = 85

// PrepareImage returns a path suitable for upload and a cleanup func. A JPEG
// already within the size limits is returned as-is with a no-op cleanup.
// Anything else (TIFF scans, oversized files) is decoded and re-encoded as a
// bounded JPEG in a temp file. The source file is never modified.
func PrepareImage(path string, maxEdge int, maxBytes int64) (string, func(), error) {
	noop := func() {}

	info, err := os.Stat(path)
	if err != nil {
		return "", noop, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	isJPEG := ext == ".jpg" || ext == ".jpeg"
	if isJPEG && info.Size() <= maxBytes {
		f, err := os.Open(path)
		if err != nil {
			return "", noop, err
		}
		cfg, _, err := image.DecodeConfig(f)
		f.Close()
		if err != nil {
			return "", noop, fmt.Errorf("decode header: %w", err)
		}
		if cfg.Width <= maxEdge && cfg.Height <= maxEdge {
			return path, noop, nil
		}
	}

	src, err := decodeImage(path)
	if err != nil {
		return "", noop, err
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxEdge || h > maxEdge {
		scale := float64(maxEdge) / float64(max(w, h))
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		src = dst
	}

	tmp, err := os.CreateTemp("", "backsync-upload-*.jpg")
	if err != nil {
		return "", noop, err
	}
	if err := jpeg.Encode(tmp, src, &jpeg.Options{Quality: jpegQuality}); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", noop, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", noop, err
	}
	name := tmp.Name()
	return name, func() { os.Remove(name) }, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
