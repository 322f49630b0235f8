// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package presenter

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultMaxPixels bounds the decoded size of an image.
	DefaultMaxPixels = 40 * 1000 * 1000

	// DefaultMaxDimension is the edge length images are scaled down to.
	DefaultMaxDimension = 1024
)

// ErrImageTooLarge is returned for images whose decoded size exceeds the
// configured pixel limit.
var ErrImageTooLarge = errors.New("presenter: image too large")

// ImageDecoder turns raw image bytes into a file a Presenter can show.  The
// caller owns the returned file and removes it when done.
type ImageDecoder interface {
	DecodeToFile(b []byte) (string, error)
}

// FileDecoder decodes PNG, JPEG, GIF, BMP and WebP images and writes them
// as PNG files to Dir.
type FileDecoder struct {
	// Dir is where image files are created, os.TempDir() if empty.
	Dir string

	// MaxPixels rejects images with more pixels than this.
	MaxPixels int

	// MaxDimension scales images with a longer edge down to this size.
	MaxDimension int
}

// DecodeToFile implements ImageDecoder.
func (d *FileDecoder) DecodeToFile(b []byte) (string, error) {
	maxPixels := d.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	maxDim := d.MaxDimension
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("presenter: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxPixels {
		return "", fmt.Errorf("%w: %s %dx%d", ErrImageTooLarge, format, cfg.Width, cfg.Height)
	}
	m, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("presenter: %w", err)
	}
	m = fit(m, maxDim)

	f, err := os.CreateTemp(d.Dir, "notipair-*.png")
	if err != nil {
		return "", err
	}
	if err = png.Encode(f, m); err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func fit(m image.Image, maxDim int) image.Image {
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return m
	}
	if w >= h {
		h = max(1, h*maxDim/w)
		w = maxDim
	} else {
		w = max(1, w*maxDim/h)
		h = maxDim
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), m, b, draw.Over, nil)
	return dst
}
