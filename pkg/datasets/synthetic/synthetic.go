// Package synthetic generates small in-memory image datasets, used to exercise the models in tests
// and demos without downloading any data.
//
// The datasets are datasets.InMemoryDataset, so they can be batched, shuffled and repeated:
//
//	ds, err := synthetic.ImageMask(backend, synthetic.Config{N: 256, Height: 64, Width: 64, Channels: 3, NumClasses: 3})
//	trainDS := ds.Copy().BatchSize(16, true).Shuffle().Infinite(true)
package synthetic

import (
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
)

// Config of a synthetic dataset.
type Config struct {
	// Name of the dataset, at least 3 characters. Defaults to "synthetic".
	Name string

	// N is the number of examples.
	N int

	Height, Width, Channels int

	// NumClasses of the segmentation masks, including the background (class 0). Only used by ImageMask.
	NumClasses int

	// MaxShapes is the maximum number of shapes drawn per example. Defaults to 3.
	MaxShapes int

	// Seed of the random number generator, so datasets are reproducible.
	Seed int64
}

func (cfg *Config) validate(withClasses bool) error {
	if cfg.Name == "" {
		cfg.Name = "synthetic"
	}
	if len(cfg.Name) < 3 {
		return errors.Errorf("dataset name %q must have at least 3 characters", cfg.Name)
	}
	if cfg.MaxShapes <= 0 {
		cfg.MaxShapes = 3
	}
	if cfg.N <= 0 || cfg.Height <= 0 || cfg.Width <= 0 || cfg.Channels <= 0 {
		return errors.Errorf("invalid synthetic dataset dimensions N=%d, %dx%dx%d", cfg.N, cfg.Height, cfg.Width, cfg.Channels)
	}
	if withClasses && cfg.NumClasses < 2 {
		return errors.Errorf("synthetic segmentation requires at least 2 classes, got %d", cfg.NumClasses)
	}
	return nil
}

// ClassColor returns the color of class c on the given channel, in [0, 1]. The background (class 0) is dark.
func ClassColor(c, channel int) float32 {
	if c == 0 {
		return 0.1
	}
	return 0.3 + 0.7*float32((c*37+channel*71)%100)/100
}

// ImageMask generates images with random rectangles and discs, and the segmentation mask with the class of
// each pixel: 0 for the background, or the class of the last shape drawn over the pixel.
//
// Each example yields the inputs [image, mask] and the labels [mask]: images are float32 shaped
// [height, width, channels] with values in [0, 1], masks are int32 shaped [height, width, 1].
// The mask is also an input because the adversarial segmentation model uses it during training.
func ImageMask(backend backends.Backend, cfg Config) (*datasets.InMemoryDataset, error) {
	if err := cfg.validate(true); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	h, w, ch := cfg.Height, cfg.Width, cfg.Channels
	images := make([]float32, cfg.N*h*w*ch)
	masks := make([]int32, cfg.N*h*w)
	for ex := range cfg.N {
		img := images[ex*h*w*ch : (ex+1)*h*w*ch]
		mask := masks[ex*h*w : (ex+1)*h*w]
		numShapes := 1 + rng.Intn(cfg.MaxShapes)
		for range numShapes {
			class := 1 + rng.Intn(cfg.NumClasses-1)
			inside := randomShape(rng, h, w)
			for y := range h {
				for x := range w {
					if inside(y, x) {
						mask[y*w+x] = int32(class)
					}
				}
			}
		}
		for pixel, class := range mask {
			for c := range ch {
				v := ClassColor(int(class), c) + float32(rng.NormFloat64()*0.05)
				img[pixel*ch+c] = clip01(v)
			}
		}
	}
	imagesT := tensors.FromFlatDataAndDimensions(images, cfg.N, h, w, ch)
	masksT := tensors.FromFlatDataAndDimensions(masks, cfg.N, h, w, 1)
	labelsT := tensors.FromFlatDataAndDimensions(append([]int32(nil), masks...), cfg.N, h, w, 1)
	ds, err := datasets.InMemoryFromData(backend, cfg.Name, []any{imagesT, masksT}, []any{labelsT})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating synthetic segmentation dataset %q", cfg.Name)
	}
	return ds.WithRand(rand.New(rand.NewSource(cfg.Seed + 1))), nil
}

// randomShape returns the membership function of a random rectangle or disc.
func randomShape(rng *rand.Rand, h, w int) func(y, x int) bool {
	cy, cx := rng.Intn(h), rng.Intn(w)
	if rng.Intn(2) == 0 {
		hh, hw := 1+rng.Intn(max(h/4, 1)), 1+rng.Intn(max(w/4, 1))
		return func(y, x int) bool {
			return y >= cy-hh && y <= cy+hh && x >= cx-hw && x <= cx+hw
		}
	}
	r := 1 + rng.Intn(max(min(h, w)/4, 1))
	return func(y, x int) bool {
		dy, dx := y-cy, x-cx
		return dy*dy+dx*dx <= r*r
	}
}

// Images generates smooth images, each the sum of a few Gaussian blobs, with values in [0, 1].
//
// Each example yields the inputs [image] and the labels [image], float32 shaped [height, width, channels],
// as used by autoencoders.
func Images(backend backends.Backend, cfg Config) (*datasets.InMemoryDataset, error) {
	if err := cfg.validate(false); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	h, w, ch := cfg.Height, cfg.Width, cfg.Channels
	images := make([]float32, cfg.N*h*w*ch)
	for ex := range cfg.N {
		img := images[ex*h*w*ch : (ex+1)*h*w*ch]
		numBlobs := 1 + rng.Intn(cfg.MaxShapes)
		for range numBlobs {
			cy, cx := rng.Float64()*float64(h), rng.Float64()*float64(w)
			sigma := (0.1 + 0.2*rng.Float64()) * float64(min(h, w))
			amplitude := make([]float64, ch)
			for c := range amplitude {
				amplitude[c] = 0.3 + 0.7*rng.Float64()
			}
			for y := range h {
				for x := range w {
					dy, dx := float64(y)-cy, float64(x)-cx
					g := math.Exp(-(dy*dy + dx*dx) / (2 * sigma * sigma))
					for c := range ch {
						idx := (y*w+x)*ch + c
						img[idx] = clip01(img[idx] + float32(amplitude[c]*g))
					}
				}
			}
		}
	}
	inputsT := tensors.FromFlatDataAndDimensions(images, cfg.N, h, w, ch)
	labelsT := tensors.FromFlatDataAndDimensions(append([]float32(nil), images...), cfg.N, h, w, ch)
	ds, err := datasets.InMemoryFromData(backend, cfg.Name, []any{inputsT}, []any{labelsT})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating synthetic images dataset %q", cfg.Name)
	}
	return ds.WithRand(rand.New(rand.NewSource(cfg.Seed + 1))), nil
}

func clip01(v float32) float32 {
	return min(max(v, 0), 1)
}
