package fingerprint

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/sorenkell/memedb/internal/util"
)

// makePNG renders a simple two-tone test image to PNG bytes.
// split controls where the dark half begins, so small changes in split
// produce visually similar images.
func makePNG(t *testing.T, w, h, split int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < split {
				img.Set(x, y, color.RGBA{R: 240, G: 240, B: 240, A: 255})
			} else {
				img.Set(x, y, color.RGBA{R: 20, G: 20, B: 20, A: 255})
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestComputeIsDeterministic(t *testing.T) {
	raw := makePNG(t, 64, 64, 32)

	fp1, err := Compute(raw)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	fp2, err := Compute(raw)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}

	if fp1.ContentHash != fp2.ContentHash {
		t.Errorf("content hash not stable: %s vs %s", fp1.ContentHash, fp2.ContentHash)
	}
	if fp1.PerceptualHash != fp2.PerceptualHash {
		t.Errorf("perceptual hash not stable: %s vs %s", fp1.PerceptualHash, fp2.PerceptualHash)
	}
	if fp1.ID() != fp2.ID() {
		t.Errorf("ID not stable: %s vs %s", fp1.ID(), fp2.ID())
	}
	if len(fp1.ID()) != IDLength {
		t.Errorf("expected ID length %d, got %d", IDLength, len(fp1.ID()))
	}
	if len(fp1.PerceptualHash) != 16 {
		t.Errorf("expected 16 hex chars of perceptual hash, got %q", fp1.PerceptualHash)
	}
}

func TestComputeDistinguishesContent(t *testing.T) {
	a := makePNG(t, 64, 64, 32)
	b := makePNG(t, 64, 64, 8)

	fpA, err := Compute(a)
	if err != nil {
		t.Fatalf("compute a: %v", err)
	}
	fpB, err := Compute(b)
	if err != nil {
		t.Fatalf("compute b: %v", err)
	}

	if fpA.ContentHash == fpB.ContentHash {
		t.Error("different images produced identical content hashes")
	}
	if fpA.ID() == fpB.ID() {
		t.Error("different images produced identical IDs")
	}
}

func TestSimilarImagesHaveSmallDistance(t *testing.T) {
	// Same scene at a different resolution: a resize should land within
	// the advisory duplicate threshold, an unrelated layout should not.
	base := makePNG(t, 64, 64, 32)
	resized := makePNG(t, 128, 128, 64)
	different := makePNG(t, 64, 64, 4)

	fpBase, err := Compute(base)
	if err != nil {
		t.Fatalf("compute base: %v", err)
	}
	fpResized, err := Compute(resized)
	if err != nil {
		t.Fatalf("compute resized: %v", err)
	}
	fpDifferent, err := Compute(different)
	if err != nil {
		t.Fatalf("compute different: %v", err)
	}

	near, err := Distance(fpBase.PerceptualHash, fpResized.PerceptualHash)
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	far, err := Distance(fpBase.PerceptualHash, fpDifferent.PerceptualHash)
	if err != nil {
		t.Fatalf("distance: %v", err)
	}

	if near > 10 {
		t.Errorf("resized image distance %d, expected <= 10", near)
	}
	if far <= near {
		t.Errorf("unrelated image distance %d not greater than resize distance %d", far, near)
	}
}

func TestComputeRejectsNonImage(t *testing.T) {
	fp, err := Compute([]byte("definitely not an image"))
	if !errors.Is(err, util.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	// The content hash survives so the failure is attributable to an ID
	if len(fp.ContentHash) != 64 {
		t.Errorf("expected content hash despite decode failure, got %q", fp.ContentHash)
	}
	if fp.PerceptualHash != "" {
		t.Errorf("expected empty perceptual hash on decode failure, got %q", fp.PerceptualHash)
	}
}

func TestDistanceRejectsBadHashes(t *testing.T) {
	if _, err := Distance("zzzz", "0000000000000000"); err == nil {
		t.Error("expected error for invalid hex hash")
	}
}

func TestDistanceIdentical(t *testing.T) {
	d, err := Distance("ffffffffffffffff", "ffffffffffffffff")
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if d != 0 {
		t.Errorf("expected distance 0 for identical hashes, got %d", d)
	}
}
