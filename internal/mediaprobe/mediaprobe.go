// Package mediaprobe reads properties back from downloaded media files.
package mediaprobe

import (
	"fmt"

	"github.com/disintegration/imaging"

	"kickgrab/internal/entity"
)

// Prober inspects a saved file.
type Prober interface {
	Probe(path string) (*entity.MediaInfo, error)
}

// Image decodes images with imaging and reports their dimensions.
type Image struct{}

// Probe implements Prober. EXIF orientation is applied, so the size matches what a viewer shows.
func (Image) Probe(path string) (*entity.MediaInfo, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}

	bounds := img.Bounds()

	return &entity.MediaInfo{Width: bounds.Dx(), Height: bounds.Dy()}, nil
}
