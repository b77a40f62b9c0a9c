// Package imageio converts model outputs to images and saves them as grids, used to inspect
// reconstructions, samples and predicted segmentation masks.
package imageio

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// TensorToImages converts a batch of images shaped [batch, height, width, channels], with values in [0, 1],
// to Go images. Single channel images are converted to gray scale.
func TensorToImages(t *tensors.Tensor) ([]image.Image, error) {
	if t.Rank() != 4 {
		return nil, errors.Errorf("images must be shaped [batch, height, width, channels], got %s", t.Shape())
	}
	dims := t.Shape().Dimensions
	switch dims[3] {
	case 3, 4:
		var imgs []image.Image
		err := exceptions.TryCatch[error](func() { imgs = images.ToImage().MaxValue(1.0).Batch(t) })
		if err != nil {
			return nil, errors.WithMessage(err, "converting tensor to images")
		}
		return imgs, nil
	case 1:
		if t.DType() != dtypes.Float32 {
			return nil, errors.Errorf("gray scale images must be float32, got %s", t.DType())
		}
		flat := tensors.MustCopyFlatData[float32](t)
		height, width := dims[1], dims[2]
		imgs := make([]image.Image, dims[0])
		for ii := range imgs {
			img := image.NewGray(image.Rect(0, 0, width, height))
			for jj, v := range flat[ii*height*width : (ii+1)*height*width] {
				img.Pix[jj] = uint8(min(max(v, 0), 1)*255 + 0.5)
			}
			imgs[ii] = img
		}
		return imgs, nil
	default:
		return nil, errors.Errorf("images with %d channels not supported, shape %s", dims[3], t.Shape())
	}
}

// Palette returns the color used for class c in colorized masks. Class 0 (background) is black.
func Palette(c int) color.NRGBA {
	if c == 0 {
		return color.NRGBA{A: 255}
	}
	return color.NRGBA{
		R: uint8(55 + (c*97)%200),
		G: uint8(55 + (c*61+80)%200),
		B: uint8(55 + (c*151+160)%200),
		A: 255,
	}
}

// ColorizeMask converts a batch of segmentation masks, integers shaped [batch, height, width, 1] or
// [batch, height, width], into color images, one color per class.
func ColorizeMask(mask *tensors.Tensor) ([]image.Image, error) {
	if (mask.Rank() != 4 || mask.Shape().Dimensions[3] != 1) && mask.Rank() != 3 {
		return nil, errors.Errorf("masks must be shaped [batch, height, width, 1], got %s", mask.Shape())
	}
	var classes []int
	switch mask.DType() {
	case dtypes.Int32:
		for _, c := range tensors.MustCopyFlatData[int32](mask) {
			classes = append(classes, int(c))
		}
	case dtypes.Int64:
		for _, c := range tensors.MustCopyFlatData[int64](mask) {
			classes = append(classes, int(c))
		}
	default:
		return nil, errors.Errorf("masks must be int32 or int64, got %s", mask.DType())
	}
	dims := mask.Shape().Dimensions
	numImages, height, width := dims[0], dims[1], dims[2]
	imgs := make([]image.Image, numImages)
	for ii := range imgs {
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		for jj, c := range classes[ii*height*width : (ii+1)*height*width] {
			img.SetNRGBA(jj%width, jj/width, Palette(c))
		}
		imgs[ii] = img
	}
	return imgs, nil
}

// Grid composes the images in a grid with the given number of columns, each cell the size of the largest
// image, separated by a 2 pixels gray border. If cellSize > 0 the images are resized to cellSize x cellSize.
func Grid(imgs []image.Image, cols, cellSize int) (*image.NRGBA, error) {
	if len(imgs) == 0 {
		return nil, errors.New("no images to compose in a grid")
	}
	if cols <= 0 {
		cols = len(imgs)
	}
	cols = min(cols, len(imgs))
	rows := (len(imgs) + cols - 1) / cols
	cellW, cellH := cellSize, cellSize
	if cellSize <= 0 {
		for _, img := range imgs {
			cellW = max(cellW, img.Bounds().Dx())
			cellH = max(cellH, img.Bounds().Dy())
		}
	}
	const border = 2
	grid := imaging.New(cols*(cellW+border)+border, rows*(cellH+border)+border, color.NRGBA{R: 128, G: 128, B: 128, A: 255})
	for ii, img := range imgs {
		if cellSize > 0 {
			img = imaging.Resize(img, cellSize, cellSize, imaging.NearestNeighbor)
		}
		pos := image.Pt(border+(ii%cols)*(cellW+border), border+(ii/cols)*(cellH+border))
		grid = imaging.Paste(grid, img, pos)
	}
	return grid, nil
}

// SaveGrid composes the images with Grid and saves them to filePath. The format is given by the
// extension (".png", ".jpg", ".gif", ".tif" or ".bmp").
func SaveGrid(filePath string, imgs []image.Image, cols, cellSize int) error {
	grid, err := Grid(imgs, cols, cellSize)
	if err != nil {
		return err
	}
	if err = imaging.Save(grid, filePath); err != nil {
		return errors.Wrapf(err, "saving image grid to %q", filePath)
	}
	return nil
}

// SideBySide interleaves the columns of images: the first image of each, then the second of each, etc.
// Used to save inputs next to reconstructions or predictions. All slices must have the same length.
func SideBySide(columns ...[]image.Image) ([]image.Image, error) {
	if len(columns) == 0 {
		return nil, nil
	}
	n := len(columns[0])
	for _, col := range columns[1:] {
		if len(col) != n {
			return nil, errors.Errorf("side by side images need the same number of images per column, got %d and %d", n, len(col))
		}
	}
	out := make([]image.Image, 0, n*len(columns))
	for ii := range n {
		for _, col := range columns {
			out = append(out, col[ii])
		}
	}
	return out, nil
}
