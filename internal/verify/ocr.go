package verify

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strings"
	"sync"

	"github.com/chromeflow/chromeflow/internal/faults"
)

// Tesseract recognizes text by shelling out to the tesseract CLI. The
// frame is piped in as PNG and the recognized text read from stdout.
type Tesseract struct {
	binary string

	checkOnce sync.Once
	checkErr  error
}

// NewTesseract creates a recognizer using the given binary name or path.
func NewTesseract(binary string) *Tesseract {
	return &Tesseract{binary: binary}
}

// Recognize runs OCR over img. A missing binary is an environment fault;
// a failed invocation is a recognition fault. An empty result is neither:
// a frame with no readable text recognizes to "".
func (t *Tesseract) Recognize(ctx context.Context, img image.Image) (string, error) {
	t.checkOnce.Do(func() {
		if _, err := exec.LookPath(t.binary); err != nil {
			t.checkErr = faults.New(faults.KindEnvironmentError,
				fmt.Errorf("OCR backend %q not found: %w", t.binary, err))
		}
	})
	if t.checkErr != nil {
		return "", t.checkErr
	}

	var stdin bytes.Buffer
	if err := png.Encode(&stdin, img); err != nil {
		return "", faults.New(faults.KindRecognitionError, fmt.Errorf("failed to encode frame: %w", err))
	}

	cmd := exec.CommandContext(ctx, t.binary, "stdin", "stdout")
	cmd.Stdin = &stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", faults.New(faults.KindRecognitionError,
			fmt.Errorf("tesseract failed: %w: %s", err, strings.TrimSpace(stderr.String())))
	}

	return stdout.String(), nil
}
