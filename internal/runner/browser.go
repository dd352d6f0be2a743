// File: internal/runner/browser.go
package runner

import (
	"context"
	"time"

	"github.com/xkilldash9x/stagehand/api/schemas"
	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/session"
)

// browserSession is the capability surface the runner drives. The production
// implementation is cdpSession; tests substitute a fake so the state machine
// is exercised without a browser.
type browserSession interface {
	// Navigate loads url and waits for the given lifecycle condition
	// ("load", "domcontentloaded", "networkidle", "commit"; empty means
	// domcontentloaded).
	Navigate(ctx context.Context, url, waitUntil string) error

	Click(ctx context.Context, selector string, delay time.Duration) error
	Fill(ctx context.Context, selector, text string) error
	Press(ctx context.Context, selector, key string) error

	// WaitFor blocks until selector reaches state (default visible).
	WaitFor(ctx context.Context, selector, state string) error

	// Upload attaches a local file to the file input matching selector.
	Upload(ctx context.Context, selector, path string) error

	// Screenshot captures the page as PNG bytes.
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)

	ExtractText(ctx context.Context, selector string) (string, error)
	ExtractAttr(ctx context.Context, selector, attr string) (string, error)

	// Evaluate runs one script body with an optional argument and returns
	// the JSON-decoded result.
	Evaluate(ctx context.Context, script string, arg any) (any, error)

	// StorageState captures cookies plus the current origin's localStorage.
	StorageState(ctx context.Context) (*session.StorageState, error)

	// RestoreOrigin reapplies persisted localStorage for origin, if the
	// seeded state has entries for it. Reports whether anything was applied.
	RestoreOrigin(ctx context.Context, origin string) (bool, error)

	// Close tears down the page context before the browser process.
	Close() error
}

// launchSpec carries the per-job browser environment.
type launchSpec struct {
	Proxy          string
	UserAgent      string
	Viewport       *schemas.Viewport
	Headers        map[string]string
	BlockResources []string

	// Seed is the persisted storage state to restore, nil for anonymous
	// jobs.
	Seed *session.StorageState

	// ConsoleLine receives browser console output and page exceptions for
	// the job log. Called from the CDP event goroutine.
	ConsoleLine func(line string)
}

// launchFunc starts a fresh browser for one job.
type launchFunc func(ctx context.Context, cfg config.BrowserConfig, spec launchSpec) (browserSession, error)
