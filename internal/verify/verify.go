// Package verify implements the visual verifier: a single normalized
// contract that answers whether a captured frame satisfies an expected
// image-template or text-pattern target. "Not found" is a normal result,
// never an error; only engine-level faults (corrupt frame, unreadable
// template, missing recognition backend) surface as errors.
package verify

import (
	"context"
	"image"
	"regexp"
	"strings"
	"sync"

	"github.com/chromeflow/chromeflow/internal/config"
	"github.com/chromeflow/chromeflow/internal/faults"
	"github.com/chromeflow/chromeflow/internal/logger"
	"github.com/chromeflow/chromeflow/internal/script"
)

// MatchResult is the outcome of one verification call.
type MatchResult struct {
	// Matched reports whether the expectation was satisfied.
	Matched bool

	// Confidence is in [0, 1]. For text matches it is 1 on match and 0
	// otherwise.
	Confidence float64

	// Region is the located bounding box for image matches.
	Region *script.Region

	// Modality records which capability produced the result.
	Modality script.MatchKind
}

// TextRecognizer is the character-recognition capability. Implementations
// return the text visible in the image.
type TextRecognizer interface {
	Recognize(ctx context.Context, img image.Image) (string, error)
}

// Verifier evaluates match specs against captured frames.
type Verifier struct {
	cfg        config.VerifyConfig
	recognizer TextRecognizer

	mu        sync.Mutex
	templates map[string]*grayImage
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRecognizer replaces the default OCR backend.
func WithRecognizer(r TextRecognizer) Option {
	return func(v *Verifier) { v.recognizer = r }
}

// New creates a Verifier. The default text recognizer shells out to the
// configured OCR binary.
func New(cfg config.VerifyConfig, opts ...Option) *Verifier {
	v := &Verifier{
		cfg:        cfg,
		recognizer: NewTesseract(cfg.OCRBinary),
		templates:  make(map[string]*grayImage),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify evaluates spec against frame.
func (v *Verifier) Verify(ctx context.Context, frame image.Image, spec *script.MatchSpec) (MatchResult, error) {
	if frame == nil {
		return MatchResult{}, faults.Newf(faults.KindRecognitionError, "nil frame")
	}
	if spec == nil {
		return MatchResult{}, faults.Newf(faults.KindRecognitionError, "nil match spec")
	}

	switch spec.Kind {
	case script.MatchImage:
		return v.verifyImage(frame, spec)
	case script.MatchText:
		return v.verifyText(ctx, frame, spec)
	default:
		return MatchResult{}, faults.Newf(faults.KindRecognitionError, "unknown match kind: %s", spec.Kind)
	}
}

func (v *Verifier) verifyImage(frame image.Image, spec *script.MatchSpec) (MatchResult, error) {
	template, err := v.loadTemplate(spec.Template)
	if err != nil {
		return MatchResult{}, err
	}

	haystack := toGray(cropRegion(frame, spec.Region))
	confidence, x, y := matchTemplate(haystack, template)

	threshold := spec.Threshold
	if threshold == 0 {
		threshold = v.cfg.MatchThreshold
	}

	result := MatchResult{
		Matched:    confidence >= threshold,
		Confidence: confidence,
		Modality:   script.MatchImage,
	}
	if result.Matched {
		offsetX, offsetY := 0, 0
		if spec.Region != nil {
			offsetX, offsetY = spec.Region.X, spec.Region.Y
		}
		result.Region = &script.Region{
			X:      offsetX + x,
			Y:      offsetY + y,
			Width:  template.width,
			Height: template.height,
		}
	}
	logger.WithFields(map[string]interface{}{
		"template":   spec.Template,
		"confidence": confidence,
		"matched":    result.Matched,
	}).Debug("template match evaluated")
	return result, nil
}

func (v *Verifier) verifyText(ctx context.Context, frame image.Image, spec *script.MatchSpec) (MatchResult, error) {
	text, err := v.recognizer.Recognize(ctx, cropRegion(frame, spec.Region))
	if err != nil {
		return MatchResult{}, err
	}

	matched := false
	if spec.Regex {
		// Pattern validity is checked at script load time.
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return MatchResult{}, faults.Newf(faults.KindRecognitionError, "invalid pattern %q: %v", spec.Pattern, err)
		}
		matched = re.MatchString(text)
	} else {
		matched = strings.Contains(normalizeText(text), normalizeText(spec.Pattern))
	}

	confidence := 0.0
	if matched {
		confidence = 1.0
	}
	logger.WithFields(map[string]interface{}{
		"pattern": spec.Pattern,
		"matched": matched,
	}).Debug("text match evaluated")
	return MatchResult{Matched: matched, Confidence: confidence, Modality: script.MatchText}, nil
}

// normalizeText collapses whitespace so OCR line breaks do not defeat
// exact-substring comparison.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cropRegion(img image.Image, region *script.Region) image.Image {
	if region == nil {
		return img
	}
	bounds := img.Bounds()
	rect := image.Rect(region.X, region.Y, region.X+region.Width, region.Y+region.Height).Intersect(bounds)
	if rect.Empty() {
		return img
	}
	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if sub, ok := img.(subImager); ok {
		return sub.SubImage(rect)
	}
	return img
}
