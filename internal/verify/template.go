package verify

import (
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/chromeflow/chromeflow/internal/faults"
)

// grayImage is a dense grayscale raster used by the matcher. Values are
// luma in [0, 255].
type grayImage struct {
	width  int
	height int
	pix    []float64
}

func toGray(img image.Image) *grayImage {
	bounds := img.Bounds()
	g := &grayImage{
		width:  bounds.Dx(),
		height: bounds.Dy(),
		pix:    make([]float64, bounds.Dx()*bounds.Dy()),
	}
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, gr, b, _ := img.At(x, y).RGBA()
			// Rec. 601 luma on 16-bit channels.
			g.pix[i] = (0.299*float64(r) + 0.587*float64(gr) + 0.114*float64(b)) / 257.0
			i++
		}
	}
	return g
}

func (g *grayImage) at(x, y int) float64 {
	return g.pix[y*g.width+x]
}

// loadTemplate reads and caches a grayscale template, resolving relative
// paths against the template directory. Unreadable templates are engine
// faults, not "not matched".
func (v *Verifier) loadTemplate(name string) (*grayImage, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(v.cfg.TemplateDir, name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.templates[path]; ok {
		return cached, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, faults.New(faults.KindRecognitionError, fmt.Errorf("failed to open template %s: %w", name, err))
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, faults.New(faults.KindRecognitionError, fmt.Errorf("failed to decode template %s: %w", name, err))
	}

	template := toGray(img)
	v.templates[path] = template
	return template, nil
}

// matchTemplate slides template over haystack computing normalized
// cross-correlation and returns the best score with its top-left offset.
// The score is mapped from [-1, 1] to [0, 1] so callers compare it
// directly against the confidence threshold. A template larger than the
// haystack scores zero.
//
// A coarse pass with stride 2 finds the neighborhood, then a dense pass
// refines within it; NCC surfaces for UI crops are smooth enough that the
// two-phase scan lands on the same peak as an exhaustive one.
func matchTemplate(haystack, template *grayImage) (confidence float64, bestX, bestY int) {
	if template.width > haystack.width || template.height > haystack.height {
		return 0, 0, 0
	}
	if template.width == 0 || template.height == 0 {
		return 0, 0, 0
	}

	tMean, tStd := meanStd(template.pix)
	if tStd == 0 {
		// Flat template: correlation is undefined, fall back to mean
		// absolute difference.
		return matchFlat(haystack, template, tMean)
	}

	maxX := haystack.width - template.width
	maxY := haystack.height - template.height

	best := math.Inf(-1)
	coarseX, coarseY := 0, 0
	for y := 0; y <= maxY; y += 2 {
		for x := 0; x <= maxX; x += 2 {
			score := ncc(haystack, template, x, y, tMean, tStd)
			if score > best {
				best, coarseX, coarseY = score, x, y
			}
		}
	}

	bestX, bestY = coarseX, coarseY
	for y := maxInt(0, coarseY-2); y <= minInt(maxY, coarseY+2); y++ {
		for x := maxInt(0, coarseX-2); x <= minInt(maxX, coarseX+2); x++ {
			score := ncc(haystack, template, x, y, tMean, tStd)
			if score > best {
				best, bestX, bestY = score, x, y
			}
		}
	}

	return (best + 1) / 2, bestX, bestY
}

func ncc(haystack, template *grayImage, offsetX, offsetY int, tMean, tStd float64) float64 {
	n := float64(template.width * template.height)

	var sum, sumSq float64
	for y := 0; y < template.height; y++ {
		row := (offsetY + y) * haystack.width
		for x := 0; x < template.width; x++ {
			v := haystack.pix[row+offsetX+x]
			sum += v
			sumSq += v * v
		}
	}
	hMean := sum / n
	hVar := sumSq/n - hMean*hMean
	if hVar <= 0 {
		return -1
	}
	hStd := math.Sqrt(hVar)

	var cross float64
	for y := 0; y < template.height; y++ {
		row := (offsetY + y) * haystack.width
		tRow := y * template.width
		for x := 0; x < template.width; x++ {
			cross += (haystack.pix[row+offsetX+x] - hMean) * (template.pix[tRow+x] - tMean)
		}
	}

	return cross / (n * hStd * tStd)
}

// matchFlat scores a zero-variance template by mean absolute difference,
// mapped so identical flat regions score 1.
func matchFlat(haystack, template *grayImage, tMean float64) (float64, int, int) {
	maxX := haystack.width - template.width
	maxY := haystack.height - template.height
	n := float64(template.width * template.height)

	best := math.Inf(1)
	bestX, bestY := 0, 0
	for y := 0; y <= maxY; y++ {
		for x := 0; x <= maxX; x++ {
			var diff float64
			for ty := 0; ty < template.height; ty++ {
				row := (y + ty) * haystack.width
				for tx := 0; tx < template.width; tx++ {
					diff += math.Abs(haystack.pix[row+x+tx] - tMean)
				}
			}
			diff /= n
			if diff < best {
				best, bestX, bestY = diff, x, y
			}
		}
	}
	return 1 - best/255.0, bestX, bestY
}

func meanStd(pix []float64) (mean, std float64) {
	n := float64(len(pix))
	var sum, sumSq float64
	for _, v := range pix {
		sum += v
		sumSq += v * v
	}
	mean = sum / n
	variance := sumSq/n - mean*mean
	if variance > 0 {
		std = math.Sqrt(variance)
	}
	return mean, std
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// encodePNG is used by tests and diagnostics to persist frames.
func encodePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}
