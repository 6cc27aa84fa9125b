// Package browser manages live Chrome sessions over the CDP debug
// protocol. The pool attaches to already-running instances when it can and
// launches new ones when it cannot; sessions expose the small action
// surface the orchestrator drives.
package browser

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"

	"github.com/chromeflow/chromeflow/internal/faults"
	"github.com/chromeflow/chromeflow/internal/logger"
)

// HealthState describes a session's last observed condition.
type HealthState string

const (
	// Healthy sessions respond to CDP calls.
	Healthy HealthState = "healthy"
	// Unresponsive sessions time out on CDP calls; the pool evicts
	// them instead of reusing them.
	Unresponsive HealthState = "unresponsive"
	// Closed sessions have been disposed.
	Closed HealthState = "closed"
)

// Session is a live handle to one browser instance.
type Session struct {
	id       string
	endpoint string

	browser *rod.Browser
	page    *rod.Page

	// launch is non-nil when this process launched the instance and is
	// responsible for reaping it.
	launch *launcher.Launcher

	health HealthState
}

// ID returns the session's instance identifier.
func (s *Session) ID() string { return s.id }

// Endpoint returns the debug endpoint the session is attached to.
func (s *Session) Endpoint() string { return s.endpoint }

// attach connects to an already-running instance at endpoint (host:port).
func attach(ctx context.Context, endpoint string) (*Session, error) {
	wsURL, err := launcher.ResolveURL(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve debug endpoint %s: %w", endpoint, err)
	}

	browser := rod.New().ControlURL(wsURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	session := &Session{
		id:       uuid.NewString(),
		endpoint: endpoint,
		browser:  browser,
		health:   Healthy,
	}
	if err := session.initPage(); err != nil {
		session.Close()
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"session_id": session.id,
		"endpoint":   endpoint,
	}).Info("attached to running browser instance")
	return session, nil
}

// launchNew starts a fresh Chrome instance and connects to it.
func launchNew(ctx context.Context, headless bool, userDataDir, chromeBinary string) (*Session, error) {
	launch := launcher.New().
		Leakless(true).
		Headless(headless).
		UserDataDir(userDataDir).
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-popup-blocking")
	if chromeBinary != "" {
		launch = launch.Bin(chromeBinary)
	}

	controlURL, err := launch.Launch()
	if err != nil {
		return nil, faults.New(faults.KindEnvironmentError,
			fmt.Errorf("failed to launch browser: %w", err))
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		launch.Kill()
		return nil, fmt.Errorf("failed to connect to launched browser: %w", err)
	}

	session := &Session{
		id:      uuid.NewString(),
		browser: browser,
		launch:  launch,
		health:  Healthy,
	}
	if err := session.initPage(); err != nil {
		session.Close()
		return nil, err
	}

	logger.WithField("session_id", session.id).Info("launched new browser instance")
	return session, nil
}

// initPage adopts the instance's first open page, or creates a stealth
// page when none exists.
func (s *Session) initPage() error {
	pages, err := s.browser.Pages()
	if err != nil {
		return fmt.Errorf("failed to list pages: %w", err)
	}
	if len(pages) > 0 {
		s.page = pages[0]
		return nil
	}

	page, err := stealth.Page(s.browser)
	if err != nil {
		return fmt.Errorf("failed to create page: %w", err)
	}
	scale := 1.0
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  1920,
		Height: 1080,
		Scale:  &scale,
		Mobile: false,
	}); err != nil {
		logger.WithField("error", err).Warn("failed to set viewport")
	}
	s.page = page
	return nil
}

// Navigate loads url and waits for the page load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	page := s.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed to wait for page load: %w", err)
	}
	return nil
}

// ClickAt moves the mouse to a frame coordinate and clicks.
func (s *Session) ClickAt(ctx context.Context, x, y int) error {
	page := s.page.Context(ctx)
	if err := page.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)}); err != nil {
		return fmt.Errorf("failed to move mouse: %w", err)
	}
	if err := page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click at (%d, %d): %w", x, y, err)
	}
	return nil
}

// ClickSelector clicks the element located by a CSS selector.
func (s *Session) ClickSelector(ctx context.Context, selector string) error {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element %s not found: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}
	return nil
}

// Type fills the element located by selector with text, replacing any
// existing content, and optionally presses enter to submit.
func (s *Session) Type(ctx context.Context, selector, text string, pressEnter bool) error {
	page := s.page.Context(ctx)
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("element %s not found: %w", selector, err)
	}
	if err := el.SelectAllText(); err != nil {
		logger.WithField("error", err).Debug("could not select existing text")
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("failed to type into %s: %w", selector, err)
	}
	if pressEnter {
		if err := page.Keyboard.Press(input.Enter); err != nil {
			return fmt.Errorf("failed to press enter: %w", err)
		}
	}
	return nil
}

// Scroll scrolls the page by pixels in the given direction.
func (s *Session) Scroll(ctx context.Context, direction string, pixels int) error {
	var dx, dy float64
	switch direction {
	case "up":
		dy = -float64(pixels)
	case "down":
		dy = float64(pixels)
	case "left":
		dx = -float64(pixels)
	case "right":
		dx = float64(pixels)
	default:
		return fmt.Errorf("unknown scroll direction: %s", direction)
	}
	if err := s.page.Context(ctx).Mouse.Scroll(dx, dy, 1); err != nil {
		return fmt.Errorf("failed to scroll: %w", err)
	}
	return nil
}

// Eval evaluates a JavaScript function expression on the page.
func (s *Session) Eval(ctx context.Context, js string) error {
	if _, err := s.page.Context(ctx).Eval(js); err != nil {
		return fmt.Errorf("failed to evaluate script: %w", err)
	}
	return nil
}

// Screenshot captures the current viewport as an in-memory image.
func (s *Session) Screenshot(ctx context.Context) (image.Image, error) {
	data, err := s.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to capture frame: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, faults.New(faults.KindRecognitionError,
			fmt.Errorf("failed to decode captured frame: %w", err))
	}
	return img, nil
}

// ScreenshotToFile captures the full page and writes it as PNG.
func (s *Session) ScreenshotToFile(ctx context.Context, path string) error {
	data, err := s.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return fmt.Errorf("failed to capture page: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	return nil
}

// HealthCheck pings the session's page with a short timeout.
func (s *Session) HealthCheck(ctx context.Context) HealthState {
	if s.health == Closed || s.page == nil {
		return s.health
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := s.page.Context(pingCtx).Info(); err != nil {
		s.health = Unresponsive
		return Unresponsive
	}
	s.health = Healthy
	return Healthy
}

// Close disposes the session. Launched instances are killed; attached
// instances are only disconnected, never closed out from under the user.
func (s *Session) Close() {
	if s.health == Closed {
		return
	}
	s.health = Closed

	if s.launch != nil {
		if err := s.browser.Close(); err != nil {
			logger.WithField("error", err).Debug("browser close failed")
		}
		s.launch.Kill()
		return
	}
	// Attached instance: drop the handle without closing the user's
	// browser. The CDP connection dies with the session's context.
}
