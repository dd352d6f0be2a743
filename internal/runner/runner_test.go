// File: internal/runner/runner_test.go
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/api/schemas"
	"github.com/xkilldash9x/stagehand/internal/allowlist"
	"github.com/xkilldash9x/stagehand/internal/assetfetch"
	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/session"
)

// fakeClock is a manually advanced clock so deadline behavior is tested
// without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeSession satisfies browserSession without a browser.
type fakeSession struct {
	clock      *fakeClock
	navAdvance time.Duration
	clickErr   error
	waitErr    error
	texts      map[string]string
	attrs      map[string]string
	evalResult any
	state      *session.StorageState
	shot       []byte

	navigated []string
	uploaded  []string
	closed    bool
}

func (f *fakeSession) Navigate(ctx context.Context, url, waitUntil string) error {
	if f.navAdvance > 0 {
		f.clock.Advance(f.navAdvance)
	}
	f.navigated = append(f.navigated, url)
	return nil
}

func (f *fakeSession) Click(ctx context.Context, selector string, delay time.Duration) error {
	return f.clickErr
}

func (f *fakeSession) Fill(ctx context.Context, selector, text string) error  { return nil }
func (f *fakeSession) Press(ctx context.Context, selector, key string) error { return nil }

func (f *fakeSession) WaitFor(ctx context.Context, selector, state string) error {
	return f.waitErr
}

func (f *fakeSession) Upload(ctx context.Context, selector, path string) error {
	f.uploaded = append(f.uploaded, path)
	return nil
}

func (f *fakeSession) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if f.shot == nil {
		return []byte("png-bytes"), nil
	}
	return f.shot, nil
}

func (f *fakeSession) ExtractText(ctx context.Context, selector string) (string, error) {
	return f.texts[selector], nil
}

func (f *fakeSession) ExtractAttr(ctx context.Context, selector, attr string) (string, error) {
	return f.attrs[selector+"/"+attr], nil
}

func (f *fakeSession) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	return f.evalResult, nil
}

func (f *fakeSession) StorageState(ctx context.Context) (*session.StorageState, error) {
	if f.state == nil {
		return &session.StorageState{Cookies: []session.Cookie{}, Origins: []session.OriginState{}}, nil
	}
	return f.state, nil
}

func (f *fakeSession) RestoreOrigin(ctx context.Context, origin string) (bool, error) {
	return false, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

// testHarness wires a runner around a fake session and captures what the
// launch saw.
type testHarness struct {
	runner *Runner
	sess   *fakeSession
	clock  *fakeClock
	store  *session.Store
	cfg    config.RunnerConfig

	launchSpec *launchSpec
	launchErr  error
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	root := t.TempDir()
	cfg := config.RunnerConfig{
		StorageDir:           filepath.Join(root, "sessions"),
		OutputDir:            filepath.Join(root, "artifacts"),
		TmpDir:               filepath.Join(root, "tmp"),
		ArtifactsRoutePrefix: "/artifacts",
		DefaultTimeout:       time.Minute,
		MaxTimeout:           10 * time.Minute,
		MaxActionTimeout:     time.Minute,
		MaxActions:           50,
		MaxUploadBytes:       1 << 20,
		UploadDownloadLimit:  5 * time.Second,
	}

	store, err := session.NewStore(cfg.StorageDir, zap.NewNop())
	require.NoError(t, err)

	clock := newFakeClock()
	h := &testHarness{
		sess:  &fakeSession{clock: clock},
		clock: clock,
		store: store,
		cfg:   cfg,
	}
	h.runner = &Runner{
		cfg:   cfg,
		store: store,
		fetch: assetfetch.New(zap.NewNop()),
		allow: allowlist.New(cfg.AllowDomains),
		log:   zap.NewNop(),
		now:   clock.Now,
		launch: func(ctx context.Context, bcfg config.BrowserConfig, spec launchSpec) (browserSession, error) {
			h.launchSpec = &spec
			if h.launchErr != nil {
				return nil, h.launchErr
			}
			return h.sess, nil
		},
	}
	return h
}

func TestRunSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	res := h.runner.Run(context.Background(), &schemas.RunRequest{
		TimeoutMs: 5000,
		Actions: []schemas.Action{
			schemas.GotoAction{URL: "https://example.com"},
			schemas.ScreenshotAction{Name: "home"},
		},
	})

	require.True(t, res.OK, "job failed: %s", res.Message)
	require.NotEmpty(t, res.JobID)
	require.NotNil(t, res.Outputs)
	require.Len(t, res.Outputs.Artifacts, 1)

	art := res.Outputs.Artifacts[0]
	assert.Equal(t, "home", art.Name)
	assert.Equal(t, "home.png", art.Filename)
	assert.Equal(t, "/artifacts/"+res.JobID+"/home.png", art.URL)

	data, err := os.ReadFile(filepath.Join(h.cfg.OutputDir, res.JobID, "home.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	// Tmp directory is destroyed at job end; output is retained.
	_, err = os.Stat(filepath.Join(h.cfg.TmpDir, res.JobID))
	assert.True(t, os.IsNotExist(err))
	assert.True(t, h.sess.closed)
}

func TestScreenshotNameCollision(t *testing.T) {
	h := newHarness(t)
	res := h.runner.Run(context.Background(), &schemas.RunRequest{
		TimeoutMs: 5000,
		Actions: []schemas.Action{
			schemas.ScreenshotAction{Name: "shot"},
			schemas.ScreenshotAction{Name: "shot"},
		},
	})

	require.True(t, res.OK)
	require.Len(t, res.Outputs.Artifacts, 2)
	assert.Equal(t, "shot.png", res.Outputs.Artifacts[0].Filename)
	assert.Equal(t, "shot-1.png", res.Outputs.Artifacts[1].Filename)
}

func TestDeadlineExhaustedBeforeStep(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	h.sess.navAdvance = 200 * time.Millisecond

	res := h.runner.Run(context.Background(), &schemas.RunRequest{
		TimeoutMs: 100,
		Actions: []schemas.Action{
			schemas.GotoAction{URL: "https://example.com"},
			schemas.ClickAction{Selector: "#next"},
		},
	})

	require.False(t, res.OK)
	assert.Equal(t, http.StatusGatewayTimeout, res.StatusCode)
	assert.Contains(t, res.Message, "step 1 (click)")
	assert.Contains(t, res.Message, "total timeout")

	// Logs contain exactly the completed steps: step 0's line, nothing for
	// step 1.
	joined := strings.Join(res.Logs, "\n")
	assert.Contains(t, joined, "step 0 (goto) completed")
	assert.NotContains(t, joined, "step 1")
	assert.True(t, h.sess.closed)
}

func TestStepFailureIsWrapped(t *testing.T) {
	h := newHarness(t)
	h.sess.clickErr = errors.New("no element matching #missing")

	res := h.runner.Run(context.Background(), &schemas.RunRequest{
		TimeoutMs: 5000,
		Actions: []schemas.Action{
			schemas.GotoAction{URL: "https://example.com"},
			schemas.ClickAction{Selector: "#missing"},
		},
	})

	require.False(t, res.OK)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Contains(t, res.Message, "step 1 (click) failed")
	assert.Contains(t, res.Message, "no element matching #missing")
}

func TestTimeoutPatternMapsToTimeoutStatus(t *testing.T) {
	h := newHarness(t)
	h.sess.waitErr = errors.New("timeout waiting for \"#slow\"")

	res := h.runner.Run(context.Background(), &schemas.RunRequest{
		TimeoutMs: 5000,
		Actions:   []schemas.Action{schemas.WaitForAction{Selector: "#slow", TimeoutMs: 100}},
	})

	require.False(t, res.OK)
	assert.Equal(t, http.StatusGatewayTimeout, res.StatusCode)
}

func TestLaunchFailureIsServerFault(t *testing.T) {
	h := newHarness(t)
	h.launchErr = errors.New("failed to launch browser: exec: chrome not found")

	res := h.runner.Run(context.Background(), &schemas.RunRequest{
		TimeoutMs: 5000,
		Actions:   []schemas.Action{schemas.GotoAction{URL: "https://example.com"}},
	})

	require.False(t, res.OK)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestUploadMissingFileIsClientFault(t *testing.T) {
	h := newHarness(t)
	res := h.runner.Run(context.Background(), &schemas.RunRequest{
		TimeoutMs: 5000,
		Actions:   []schemas.Action{schemas.UploadAction{Selector: "#file", LocalPath: "/nonexistent/file.png"}},
	})

	require.False(t, res.OK)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, res.Message, "not found")
	assert.Empty(t, h.sess.uploaded)
}

func TestUploadFromURLRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>nope</html>"))
	}))
	defer srv.Close()

	h := newHarness(t)
	res := h.runner.Run(context.Background(), &schemas.RunRequest{
		TimeoutMs: 5000,
		Actions:   []schemas.Action{schemas.UploadFromURLAction{Selector: "#file", URL: srv.URL + "/x.png"}},
	})

	require.False(t, res.OK)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, res.Message, "step 0 (uploadFromUrl)")
	assert.Empty(t, h.sess.uploaded)

	// Cleanup removed the whole tmp tree, so no partial file survives.
	_, err := os.Stat(filepath.Join(h.cfg.TmpDir, res.JobID))
	assert.True(t, os.IsNotExist(err))
}

func TestUploadFromURLAttachesDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-payload"))
	}))
	defer srv.Close()

	h := newHarness(t)
	res := h.runner.Run(context.Background(), &schemas.RunRequest{
		TimeoutMs: 5000,
		Actions:   []schemas.Action{schemas.UploadFromURLAction{Selector: "#file", URL: srv.URL + "/avatar.png"}},
	})

	require.True(t, res.OK, "job failed: %s", res.Message)
	require.Len(t, h.sess.uploaded, 1)
	assert.Equal(t, "avatar.png", filepath.Base(h.sess.uploaded[0]))
	assert.Contains(t, strings.Join(res.Logs, "\n"), "downloaded avatar.png (11 bytes)")
}

func TestSaveStorageRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.sess.state = &session.StorageState{
		Cookies: []session.Cookie{{Name: "sid", Value: "abc123", Domain: "example.com", Path: "/", Secure: true}},
		Origins: []session.OriginState{{
			Origin:       "https://example.com",
			LocalStorage: []session.LocalStorageItem{{Name: "token", Value: "xyz"}},
		}},
	}

	res := h.runner.Run(context.Background(), &schemas.RunRequest{
		TimeoutMs: 5000,
		Actions:   []schemas.Action{schemas.SaveStorageAction{Session: "acct-1"}},
	})
	require.True(t, res.OK, "job failed: %s", res.Message)
	require.Len(t, res.Outputs.Storage, 1)
	assert.Equal(t, "acct-1", res.Outputs.Storage[0].Session)
	assert.Equal(t, "acct-1.json", res.Outputs.Storage[0].File)

	// A follow-up job naming the session is seeded from exactly the state
	// that was persisted.
	res2 := h.runner.Run(context.Background(), &schemas.RunRequest{
		Session:   "acct-1",
		TimeoutMs: 5000,
		Actions:   []schemas.Action{schemas.GotoAction{URL: "https://example.com"}},
	})
	require.True(t, res2.OK, "job failed: %s", res2.Message)
	require.NotNil(t, h.launchSpec.Seed)
	if diff := cmp.Diff(h.sess.state, h.launchSpec.Seed); diff != "" {
		t.Fatalf("seeded state diverged from persisted state:\n%s", diff)
	}
}

func TestAnonymousJobHasNoSeed(t *testing.T) {
	h := newHarness(t)
	res := h.runner.Run(context.Background(), &schemas.RunRequest{
		TimeoutMs: 5000,
		Actions:   []schemas.Action{schemas.GotoAction{URL: "https://example.com"}},
	})
	require.True(t, res.OK)
	assert.Nil(t, h.launchSpec.Seed)
}

func TestExtractionAndEvaluate(t *testing.T) {
	h := newHarness(t)
	h.sess.texts = map[string]string{"h1": "Welcome"}
	h.sess.attrs = map[string]string{"a.profile/href": "/users/42"}
	h.sess.evalResult = float64(7)

	res := h.runner.Run(context.Background(), &schemas.RunRequest{
		TimeoutMs: 5000,
		Actions: []schemas.Action{
			schemas.ExtractTextAction{Selector: "h1", Key: "title"},
			schemas.ExtractAttrAction{Selector: "a.profile", Attr: "href", Key: "profile"},
			schemas.EvaluateAction{Script: "return 3 + 4", Key: "sum"},
		},
	})

	require.True(t, res.OK)
	assert.Equal(t, "Welcome", res.Outputs.Extracted["title"])
	assert.Equal(t, "/users/42", res.Outputs.Extracted["profile"])
	assert.Equal(t, float64(7), res.Outputs.Extracted["sum"])
}

func TestBareDelayWaitFor(t *testing.T) {
	h := newHarness(t)
	start := time.Now()
	res := h.runner.Run(context.Background(), &schemas.RunRequest{
		TimeoutMs: 5000,
		Actions:   []schemas.Action{schemas.WaitForAction{TimeoutMs: 20}},
	})
	require.True(t, res.OK)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestEffectiveTimeout(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(10 * time.Second)

	cases := []struct {
		name      string
		requested time.Duration
		want      time.Duration
	}{
		{"no request uses remaining", 0, 10 * time.Second},
		{"tighter request honored", 2 * time.Second, 2 * time.Second},
		{"looser request clamped", 30 * time.Second, 10 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, effectiveTimeout(deadline, now, tc.requested))
		})
	}
}

func TestNormalizeStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"explicit client fault", clientFault("bad input"), http.StatusBadRequest},
		{"context deadline", fmt.Errorf("step: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"total timeout sentinel", &stepError{index: 3, name: "click", err: errTotalTimeout}, http.StatusGatewayTimeout},
		{"timeout by message", errors.New("Timeout 5000ms exceeded"), http.StatusGatewayTimeout},
		{"generic failure", errors.New("browser crashed"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			je := normalize(tc.err, "job-1", 42, []string{"line"})
			assert.Equal(t, tc.want, je.StatusCode)
			assert.Equal(t, "job-1", je.JobID)
			assert.Equal(t, int64(42), je.TookMs)
			assert.Equal(t, []string{"line"}, je.Logs)
		})
	}
}
