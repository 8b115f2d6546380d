package task

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/record"
)

// throttled limits how fast records are pulled from an extractor.
type throttled struct {
	Extractor
	limiter *rate.Limiter
}

// Throttle wraps ext so Next returns at most perSec records per second.
// perSec <= 0 returns ext unchanged.
func Throttle(ext Extractor, perSec float64) Extractor {
	if perSec <= 0 {
		return ext
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return &throttled{Extractor: ext, limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

func (t *throttled) Next(ctx context.Context) (record.Record, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.Tag(ctx.Err(), errors.ErrCancelled), "throttled extractor")
		}
		return nil, errors.Wrap(errors.Tag(err, errors.ErrExtraction), "throttled extractor")
	}
	return t.Extractor.Next(ctx)
}
