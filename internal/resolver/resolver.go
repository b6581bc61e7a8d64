// Package resolver defines the ContentResolver port used by the retriever
// and an HTTP client for the OCR service behind it.
package resolver

import (
	"context"
	"time"
)

// Image is one extracted frame.
type Image struct {
	Frame int
	PNG   []byte
}

// Resolution is the outcome for one image. Success=false with a nil call
// error means the service answered but could not read the page.
type Resolution struct {
	Success bool          `json:"success"`
	Text    string        `json:"text"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// ContentResolver turns page images into text. ResolveBatch returns one
// Resolution per input, in input order.
type ContentResolver interface {
	Resolve(ctx context.Context, img Image) (Resolution, error)
	ResolveBatch(ctx context.Context, imgs []Image) ([]Resolution, error)
}

// Func adapts a function to ContentResolver; ResolveBatch calls it once per
// image.
type Func func(ctx context.Context, img Image) (Resolution, error)

func (f Func) Resolve(ctx context.Context, img Image) (Resolution, error) {
	return f(ctx, img)
}

func (f Func) ResolveBatch(ctx context.Context, imgs []Image) ([]Resolution, error) {
	out := make([]Resolution, len(imgs))
	for i, img := range imgs {
		res, err := f(ctx, img)
		if err != nil {
			res = Resolution{Error: err.Error()}
		}
		out[i] = res
	}
	return out, nil
}
