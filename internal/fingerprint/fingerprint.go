// Package fingerprint computes content identifiers for image files.
//
// Every image gets two hashes: a SHA-256 over the raw bytes for exact
// duplicate detection, and a 64-bit perceptual hash over the decoded
// pixels for near-duplicate detection (re-encodes, resizes). The record
// ID is derived from the content hash, so identical bytes always map to
// the same record no matter where the file lives.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"image"
	"math/bits"
	"strconv"

	_ "image/gif"  // GIF decoder
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder

	_ "golang.org/x/image/webp" // WebP decoder

	"github.com/corona10/goimagehash"
	"github.com/sorenkell/memedb/internal/util"
)

// IDLength is the number of hex characters of the content hash used as
// the record ID. 64 bits of SHA-256 is plenty for a personal library and
// keeps IDs short enough to type.
const IDLength = 16

// Fingerprint identifies a file's content and visual similarity class
type Fingerprint struct {
	ContentHash    string // hex SHA-256 over raw bytes
	PerceptualHash string // hex 64-bit pHash over decoded pixels
}

// ID returns the stable record identifier derived from the content hash
func (f Fingerprint) ID() string {
	return f.ContentHash[:IDLength]
}

// Compute calculates both hashes for the given raw image bytes.
// Undecodable images return an error wrapping util.ErrDecode; the
// fingerprint still carries the content hash in that case, so the
// failure can be recorded against a stable ID and retried later.
func Compute(raw []byte) (Fingerprint, error) {
	sum := sha256.Sum256(raw)
	fp := Fingerprint{ContentHash: fmt.Sprintf("%x", sum)}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return fp, fmt.Errorf("%w: %v", util.ErrDecode, err)
	}

	phash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return fp, fmt.Errorf("%w: perceptual hash (%s): %v", util.ErrDecode, format, err)
	}

	fp.PerceptualHash = fmt.Sprintf("%016x", phash.GetHash())
	return fp, nil
}

// Distance returns the Hamming distance between two stored perceptual
// hashes. Both must be 16-character hex strings as produced by Compute.
func Distance(a, b string) (int, error) {
	ha, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid perceptual hash %q: %w", a, err)
	}
	hb, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid perceptual hash %q: %w", b, err)
	}
	return bits.OnesCount64(ha ^ hb), nil
}
