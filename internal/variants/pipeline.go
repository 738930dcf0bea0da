// Package variants turns raw photo bytes into the fixed set of resized
// encodings served by the cache.
package variants

import (
	"bytes"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"sort"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/errors"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/models"
)

// Pipeline generates one WebP and one JPEG output per target width.
type Pipeline struct {
	widths      []int
	webpQuality int
	jpegQuality int
}

// NewPipeline creates a Pipeline. Widths are sorted ascending; qualities
// outside 1..100 fall back to the defaults (webp 80, jpeg 85).
func NewPipeline(widths []int, webpQuality, jpegQuality int) *Pipeline {
	sorted := make([]int, len(widths))
	copy(sorted, widths)
	sort.Ints(sorted)

	if webpQuality < 1 || webpQuality > 100 {
		webpQuality = 80
	}
	if jpegQuality < 1 || jpegQuality > 100 {
		jpegQuality = 85
	}
	return &Pipeline{
		widths:      sorted,
		webpQuality: webpQuality,
		jpegQuality: jpegQuality,
	}
}

// Widths returns the configured target widths, ascending.
func (p *Pipeline) Widths() []int {
	out := make([]int, len(p.widths))
	copy(out, p.widths)
	return out
}

// Generate produces the complete asset set for one photo, or nothing.
// Scaling constrains the longer dimension to the target width, preserving
// the aspect ratio exactly; images are never upscaled, and targets wider
// than the source collapse into a single variant at the source's own size.
// Recorded widths are actual pixel widths. If any output fails the whole
// set is discarded.
func (p *Pipeline) Generate(raw []byte) (*models.AssetSet, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDecodeFailed, "failed to decode photo", err)
	}

	set := &models.AssetSet{}
	seen := make(map[int]bool, len(p.widths))
	for _, width := range p.widths {
		scaled := fitLongerDimension(src, width)
		b := scaled.Bounds()

		// Targets beyond the source size all collapse to the unscaled image;
		// keep one copy, recorded at its actual pixel width.
		if seen[b.Dx()] {
			continue
		}
		seen[b.Dx()] = true

		webpData, err := encodeWebP(scaled, p.webpQuality)
		if err != nil {
			return nil, err
		}
		jpegData, err := encodeJPEG(scaled, p.jpegQuality)
		if err != nil {
			return nil, err
		}

		set.Variants = append(set.Variants,
			models.Variant{Width: b.Dx(), Height: b.Dy(), Encoding: models.EncodingWebP, Data: webpData},
			models.Variant{Width: b.Dx(), Height: b.Dy(), Encoding: models.EncodingJPEG, Data: jpegData},
		)
	}
	return set, nil
}

// fitLongerDimension scales img so its longer side does not exceed target.
// imaging.Fit never upscales and keeps the aspect ratio.
func fitLongerDimension(img image.Image, target int) image.Image {
	return imaging.Fit(img, target, target, imaging.Lanczos)
}

func encodeWebP(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, errors.Wrap(errors.ErrEncodeFailed, "webp encode failed", err)
	}
	return buf.Bytes(), nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(errors.ErrEncodeFailed, "jpeg encode failed", err)
	}
	return buf.Bytes(), nil
}

// Complete reports whether set is non-empty and every width it holds carries
// both encodings. The width ladder itself depends on the source size (targets
// wider than the source collapse into one rung), so completeness is pairing,
// not a fixed count. Partial sets must never be published.
func (p *Pipeline) Complete(set *models.AssetSet) bool {
	if set == nil || len(set.Variants) == 0 {
		return false
	}
	have := make(map[[2]interface{}]bool, len(set.Variants))
	for _, v := range set.Variants {
		have[[2]interface{}{v.Width, v.Encoding}] = true
	}
	for _, v := range set.Variants {
		if !have[[2]interface{}{v.Width, models.EncodingWebP}] || !have[[2]interface{}{v.Width, models.EncodingJPEG}] {
			return false
		}
	}
	return true
}
