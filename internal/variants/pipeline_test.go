package variants

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/errors"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/models"
)

// testImage returns PNG bytes for a w x h image.
func testImage(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestGenerateProducesCompleteSet(t *testing.T) {
	p := NewPipeline([]int{100, 200}, 80, 85)

	set, err := p.Generate(testImage(t, 400, 300))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(set.Variants) != 4 {
		t.Fatalf("got %d variants, want 4 (2 widths x 2 encodings)", len(set.Variants))
	}
	if !p.Complete(set) {
		t.Error("Complete() = false for a full set")
	}

	for _, v := range set.Variants {
		if len(v.Data) == 0 {
			t.Errorf("variant %dx%s has no data", v.Width, v.Encoding)
		}
	}
}

func TestGeneratePreservesAspectRatio(t *testing.T) {
	p := NewPipeline([]int{200}, 80, 85)

	// 400x300 scaled so the longer side is 200 gives 200x150.
	set, err := p.Generate(testImage(t, 400, 300))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	for _, v := range set.Variants {
		if v.Height != 150 {
			t.Errorf("variant %s height = %d, want 150", v.Encoding, v.Height)
		}
	}
}

func TestGenerateNeverUpscales(t *testing.T) {
	p := NewPipeline([]int{50, 500}, 80, 85)

	set, err := p.Generate(testImage(t, 100, 80))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// The 500 target cannot upscale a 100x80 source; it is served at the
	// source's own size and recorded at its actual pixel width.
	counts := map[int]int{}
	for _, v := range set.Variants {
		counts[v.Width]++
		if v.Width > 100 || v.Height > 80 {
			t.Errorf("variant %dx%d exceeds the 100x80 source", v.Width, v.Height)
		}
		if v.Width == 50 && v.Height != 40 {
			t.Errorf("downscale height = %d, want 40", v.Height)
		}
	}
	if counts[50] != 2 || counts[100] != 2 || len(set.Variants) != 4 {
		t.Errorf("got widths %v, want two encodings each at 50 and 100", counts)
	}
}

func TestGenerateCollapsesOversizeTargets(t *testing.T) {
	p := NewPipeline([]int{200, 500, 900}, 80, 85)

	set, err := p.Generate(testImage(t, 100, 80))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// All three targets exceed the source, so they collapse into a single
	// rung instead of storing identical copies under different widths.
	if len(set.Variants) != 2 {
		t.Fatalf("got %d variants, want 2 (one width x 2 encodings)", len(set.Variants))
	}
	for _, v := range set.Variants {
		if v.Width != 100 || v.Height != 80 {
			t.Errorf("variant is %dx%d, want the 100x80 source size", v.Width, v.Height)
		}
	}
	if !p.Complete(set) {
		t.Error("Complete() = false for a collapsed but fully paired set")
	}
}

func TestGenerateRejectsNonImage(t *testing.T) {
	p := NewPipeline([]int{100}, 80, 85)

	set, err := p.Generate([]byte("definitely not an image"))
	if err == nil {
		t.Fatal("expected decode error")
	}
	if errors.Code(err) != errors.ErrDecodeFailed {
		t.Errorf("code = %s, want DECODE_FAILED", errors.Code(err))
	}
	if set != nil {
		t.Error("partial set returned alongside an error")
	}
}

func TestCompleteDetectsMissingVariant(t *testing.T) {
	p := NewPipeline([]int{100, 200}, 80, 85)

	set := &models.AssetSet{Variants: []models.Variant{
		{Width: 100, Encoding: models.EncodingWebP},
		{Width: 100, Encoding: models.EncodingJPEG},
		{Width: 200, Encoding: models.EncodingWebP},
		// 200/jpeg missing
	}}
	if p.Complete(set) {
		t.Error("Complete() = true with a missing variant")
	}
	if p.Complete(nil) {
		t.Error("Complete(nil) = true")
	}
}

func TestWidthsSortedAscending(t *testing.T) {
	p := NewPipeline([]int{1600, 320, 1024, 640}, 0, 0)

	widths := p.Widths()
	for i := 1; i < len(widths); i++ {
		if widths[i-1] >= widths[i] {
			t.Fatalf("widths not ascending: %v", widths)
		}
	}
}
