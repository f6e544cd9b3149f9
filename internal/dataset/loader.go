package dataset

import (
	"context"
	"errors"
	"math/rand"

	"github.com/rs/zerolog"

	"segforge/internal/model"
)

// ShardLoader streams WebDataset shards once per epoch and yields batches.
type ShardLoader struct {
	Roots      map[string][]string
	BatchSize  int
	Height     int
	Width      int
	NumWorkers int
	PendingCap int
	Seed       int64
	Norm       Normalization
	Logger     zerolog.Logger
}

// NewShardLoader discovers shards under roots and returns a loader over them.
func NewShardLoader(roots []string, batchSize, height, width int) (*ShardLoader, error) {
	byRoot, err := DiscoverByRoot(roots)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, shards := range byRoot {
		total += len(shards)
	}
	if total == 0 {
		return nil, errors.New("dataset: no shards discovered")
	}
	return &ShardLoader{
		Roots:     byRoot,
		BatchSize: batchSize,
		Height:    height,
		Width:     width,
		Norm:      Identity,
		Logger:    zerolog.Nop(),
	}, nil
}

// Each calls fn for every batch of one pass over the shards. The pass order
// is deterministic for a given Seed and epoch. The last batch may be short.
func (l *ShardLoader) Each(ctx context.Context, epoch int, fn func(idx int, b model.Batch) error) error {
	if l.BatchSize <= 0 {
		return errors.New("dataset: batch size must be > 0")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples, errs, err := StartSampler(ctx, SamplerOptions{
		Roots:      l.Roots,
		Seed:       l.Seed + int64(epoch) + 1,
		NumWorkers: l.NumWorkers,
		PendingCap: l.PendingCap,
		SinglePass: true,
	})
	if err != nil {
		return err
	}

	acc := newBatcher(l.BatchSize, l.Height, l.Width)
	idx := 0
	emit := func() error {
		b := acc.flush()
		err := fn(idx, b)
		idx++
		return err
	}

	for samples != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		case s, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			input, mask, err := Decode(s, l.Height, l.Width, l.Norm)
			if err != nil {
				l.Logger.Warn().Err(err).Str("key", s.Key).Msg("skipping sample")
				continue
			}
			acc.add(input, mask)
			if acc.full() {
				if err := emit(); err != nil {
					return err
				}
			}
		}
	}
	if errs != nil {
		for err := range errs {
			if err != nil {
				return err
			}
		}
	}
	if acc.n > 0 {
		return emit()
	}
	return nil
}

type batcher struct {
	size, h, w int
	n          int
	inputs     []float64
	labels     []float64
}

func newBatcher(size, h, w int) *batcher {
	return &batcher{size: size, h: h, w: w}
}

func (b *batcher) add(input, mask []float64) {
	b.inputs = append(b.inputs, input...)
	b.labels = append(b.labels, mask...)
	b.n++
}

func (b *batcher) full() bool { return b.n >= b.size }

func (b *batcher) flush() model.Batch {
	out := model.Batch{
		Inputs: model.Tensor{Shape: model.Shape{N: b.n, C: 3, H: b.h, W: b.w}, Data: b.inputs},
		Labels: model.Tensor{Shape: model.Shape{N: b.n, C: 1, H: b.h, W: b.w}, Data: b.labels},
	}
	b.n = 0
	b.inputs = nil
	b.labels = nil
	return out
}

// MemoryLoader serves a fixed list of batches, optionally shuffled per epoch.
type MemoryLoader struct {
	Batches []model.Batch
	Shuffle bool
	Seed    int64
}

// Each calls fn for every batch.
func (l *MemoryLoader) Each(ctx context.Context, epoch int, fn func(idx int, b model.Batch) error) error {
	order := make([]int, len(l.Batches))
	for i := range order {
		order[i] = i
	}
	if l.Shuffle {
		rng := rand.New(rand.NewSource(l.Seed + int64(epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	for idx, i := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(idx, l.Batches[i]); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of batches.
func (l *MemoryLoader) Len() int { return len(l.Batches) }
