// Package model isolates the rest of the tool from the captioning and
// embedding model services. The pipeline and search engine only ever see
// the Gateway interface; swapping model backends never touches them.
package model

import "context"

// Gateway is the uniform interface to the captioning/tagging model and
// the embedding model. Implementations own batching, timeouts and
// retries; callers get either a validated result or a classified error
// (util.ErrModelTimeout, util.ErrModelRateLimited, util.ErrModelPermanent).
type Gateway interface {
	// Caption generates a free-text description and machine tags for an image
	Caption(ctx context.Context, image []byte) (text string, tags []string, err error)

	// Embed returns a fixed-length vector for normalized text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds several texts in one model call where the backend
	// supports it. A batch-level failure degrades to per-item calls; the
	// returned slice always matches texts in length and order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// ModelTag identifies the caption and embedding model versions backing
	// this gateway. Recorded on every indexed record so a model swap is
	// detectable as staleness.
	ModelTag() string

	// Close releases the gateway's resources
	Close()
}
