// File: internal/runner/runner.go

// Package runner owns the browser job lifecycle: it acquires a browser,
// optionally restores a session, executes the validated action list against
// a shared deadline, collects artifacts and logs, and normalizes every
// failure into one error shape.
package runner

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/api/schemas"
	"github.com/xkilldash9x/stagehand/internal/allowlist"
	"github.com/xkilldash9x/stagehand/internal/artifact"
	"github.com/xkilldash9x/stagehand/internal/assetfetch"
	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/session"
)

// Runner executes validated browser jobs. Jobs are independent; any number
// may run concurrently, each against its own browser instance. The only
// shared state is the session store directory and the allowlist, both safe
// for concurrent use.
type Runner struct {
	cfg   config.RunnerConfig
	bcfg  config.BrowserConfig
	store *session.Store
	fetch *assetfetch.Fetcher
	allow *allowlist.Allowlist
	log   *zap.Logger

	launch launchFunc
	now    func() time.Time
}

// New builds a runner backed by real browser instances.
func New(cfg config.RunnerConfig, bcfg config.BrowserConfig, store *session.Store, fetcher *assetfetch.Fetcher, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		bcfg:   bcfg,
		store:  store,
		fetch:  fetcher,
		allow:  allowlist.New(cfg.AllowDomains),
		log:    logger.Named("runner"),
		launch: launchChromedp,
		now:    time.Now,
	}
}

// job is the mutable state of one run.
type job struct {
	id       string
	req      *schemas.RunRequest
	deadline time.Time
	outDir   string
	tmpDir   string
	sess     browserSession
	outputs  *schemas.JobOutputs
	log      *jobLog
}

// Run executes req to completion. The returned result is terminal: success
// carries outputs, failure carries the normalized error shape. Run never
// returns a raw lower-level error.
func (r *Runner) Run(ctx context.Context, req *schemas.RunRequest) *schemas.RunResult {
	started := r.now()
	j := &job{
		id:      uuid.NewString(),
		req:     req,
		outputs: schemas.NewJobOutputs(),
		log:     newJobLog(r.now),
	}

	log := r.log.With(zap.String("job_id", j.id))
	log.Info("Job starting.", zap.Int("actions", len(req.Actions)), zap.Int("timeout_ms", req.TimeoutMs))

	runErr := r.execute(ctx, j)

	// Guaranteed cleanup: close the browser session (context before
	// browser, handled inside Close) and delete the tmp directory. Each is
	// attempted independently.
	if j.sess != nil {
		if err := j.sess.Close(); err != nil {
			log.Warn("Failed to close browser session.", zap.Error(err))
		}
	}
	if j.tmpDir != "" {
		if err := os.RemoveAll(j.tmpDir); err != nil {
			log.Warn("Failed to remove job tmp directory.", zap.Error(err))
		}
	}

	tookMs := r.now().Sub(started).Milliseconds()

	if runErr != nil {
		je := normalize(runErr, j.id, tookMs, j.log.Lines())
		log.Warn("Job failed.", zap.Int("status", je.StatusCode), zap.String("reason", je.Message), zap.Int64("took_ms", tookMs))
		return &schemas.RunResult{
			JobID:      j.id,
			TookMs:     tookMs,
			Logs:       je.Logs,
			StatusCode: je.StatusCode,
			Message:    je.Message,
			Details:    je.Details,
		}
	}

	log.Info("Job succeeded.", zap.Int64("took_ms", tookMs))
	return &schemas.RunResult{
		OK:      true,
		JobID:   j.id,
		TookMs:  tookMs,
		Logs:    j.log.Lines(),
		Outputs: j.outputs,
	}
}

// execute runs the Initializing and Running states; the caller owns
// Finalizing.
func (r *Runner) execute(ctx context.Context, j *job) error {
	// Initializing: directories, optional session seed, browser.
	outDir, tmpDir, err := artifact.JobDirs(r.cfg.OutputDir, r.cfg.TmpDir, j.id)
	if err != nil {
		return fmt.Errorf("failed to create job directories: %w", err)
	}
	j.outDir, j.tmpDir = outDir, tmpDir

	var seed *session.StorageState
	if j.req.Session != "" && r.store.Exists(j.req.Session) {
		blob, err := r.store.Load(j.req.Session)
		if err != nil {
			return fmt.Errorf("failed to load session %q: %w", j.req.Session, err)
		}
		seed, err = session.DecodeState(blob)
		if err != nil {
			return fmt.Errorf("failed to decode session %q: %w", j.req.Session, err)
		}
		j.log.Appendf("restoring session %q", j.req.Session)
	}

	sess, err := r.launch(ctx, r.bcfg, launchSpec{
		Proxy:          j.req.Proxy,
		UserAgent:      j.req.UserAgent,
		Viewport:       j.req.Viewport,
		Headers:        j.req.Headers,
		BlockResources: j.req.BlockResources,
		Seed:           seed,
		ConsoleLine:    func(line string) { j.log.Appendf("%s", line) },
	})
	if err != nil {
		return err
	}
	j.sess = sess

	// The deadline is fixed once the browser is up; every step shares it.
	j.deadline = r.now().Add(time.Duration(j.req.TimeoutMs) * time.Millisecond)

	// Running(i).
	for i, act := range j.req.Actions {
		stepStart := r.now()
		if !stepStart.Before(j.deadline) {
			return &stepError{index: i, name: string(act.Kind()), err: errTotalTimeout}
		}

		eff := effectiveTimeout(j.deadline, stepStart, requestedTimeout(act))
		stepCtx, cancel := context.WithTimeout(ctx, eff)
		err := r.dispatch(stepCtx, j, i, act)
		cancel()
		if err != nil {
			return &stepError{index: i, name: string(act.Kind()), err: err}
		}

		j.log.Appendf("step %d (%s) completed in %d ms", i, act.Kind(), r.now().Sub(stepStart).Milliseconds())
	}
	return nil
}

// requestedTimeout is the per-step timeout the request asked for, zero when
// the step did not ask for one.
func requestedTimeout(act schemas.Action) time.Duration {
	if w, ok := act.(schemas.WaitForAction); ok && w.TimeoutMs > 0 {
		return time.Duration(w.TimeoutMs) * time.Millisecond
	}
	return 0
}

// dispatch executes one action. The switch is exhaustive over the action
// vocabulary; the validator guarantees no other type reaches here.
func (r *Runner) dispatch(ctx context.Context, j *job, idx int, act schemas.Action) error {
	switch a := act.(type) {
	case schemas.GotoAction:
		if err := j.sess.Navigate(ctx, a.URL, a.WaitUntil); err != nil {
			return err
		}
		return r.restoreStorageForOrigin(ctx, j, a.URL)

	case schemas.ClickAction:
		return j.sess.Click(ctx, a.Selector, time.Duration(a.DelayMs)*time.Millisecond)

	case schemas.FillAction:
		return j.sess.Fill(ctx, a.Selector, a.Text)

	case schemas.PressAction:
		return j.sess.Press(ctx, a.Selector, a.Key)

	case schemas.WaitForAction:
		if a.Selector == "" {
			// Bare delay.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(a.TimeoutMs) * time.Millisecond):
				return nil
			}
		}
		return j.sess.WaitFor(ctx, a.Selector, a.State)

	case schemas.UploadAction:
		info, err := os.Stat(a.LocalPath)
		if err != nil {
			return clientFault("upload file %q not found", a.LocalPath)
		}
		if !info.Mode().IsRegular() {
			return clientFault("upload path %q is not a regular file", a.LocalPath)
		}
		return j.sess.Upload(ctx, a.Selector, a.LocalPath)

	case schemas.UploadFromURLAction:
		return r.uploadFromURL(ctx, j, a)

	case schemas.ScreenshotAction:
		return r.screenshot(ctx, j, a)

	case schemas.ExtractTextAction:
		val, err := j.sess.ExtractText(ctx, a.Selector)
		if err != nil {
			return err
		}
		j.outputs.Extracted[a.Key] = val
		return nil

	case schemas.ExtractAttrAction:
		val, err := j.sess.ExtractAttr(ctx, a.Selector, a.Attr)
		if err != nil {
			return err
		}
		j.outputs.Extracted[a.Key] = val
		return nil

	case schemas.SaveStorageAction:
		return r.saveStorage(ctx, j, a)

	case schemas.EvaluateAction:
		val, err := j.sess.Evaluate(ctx, a.Script, a.Arg)
		if err != nil {
			return err
		}
		if a.Key != "" {
			j.outputs.Extracted[a.Key] = val
		}
		return nil
	}
	return fmt.Errorf("unhandled action %q", act.Kind())
}

// restoreStorageForOrigin reapplies seeded localStorage once per origin,
// right after the first navigation that lands on it.
func (r *Runner) restoreStorageForOrigin(ctx context.Context, j *job, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	origin := u.Scheme + "://" + u.Host
	applied, err := j.sess.RestoreOrigin(ctx, origin)
	if err != nil {
		return err
	}
	if applied {
		j.log.Appendf("restored localStorage for %s", origin)
	}
	return nil
}

// uploadFromURL downloads the asset into the job tmp directory and attaches
// it. Fetch failures are client faults scoped to this action; the download
// is additionally bounded by its own ceiling.
func (r *Runner) uploadFromURL(ctx context.Context, j *job, a schemas.UploadFromURLAction) error {
	dlTimeout := r.cfg.UploadDownloadLimit
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < dlTimeout {
			dlTimeout = until
		}
	}

	res, err := r.fetch.Fetch(ctx, a.URL, j.tmpDir, r.cfg.MaxUploadBytes, dlTimeout, r.allow)
	if err != nil {
		if isTimeout(err) {
			return err
		}
		return &statusError{status: http.StatusBadRequest, err: err}
	}
	j.log.Appendf("downloaded %s (%d bytes)", res.Filename, res.Bytes)
	return j.sess.Upload(ctx, a.Selector, res.Path)
}

// screenshot captures the page into a collision-free file in the job output
// directory and records the artifact with its public URL.
func (r *Runner) screenshot(ctx context.Context, j *job, a schemas.ScreenshotAction) error {
	filename := artifact.ScreenshotFilename(a.Name)
	destPath, finalName, err := artifact.UniquePath(j.outDir, filename)
	if err != nil {
		return err
	}

	data, err := j.sess.Screenshot(ctx, a.FullPage)
	if err != nil {
		return err
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write screenshot %q: %w", finalName, err)
	}

	j.outputs.Artifacts = append(j.outputs.Artifacts, schemas.Artifact{
		Name:     a.Name,
		Filename: finalName,
		URL:      path.Join(r.cfg.ArtifactsRoutePrefix, j.id, url.PathEscape(finalName)),
	})
	return nil
}

// saveStorage persists the current browser storage state under the session
// id and records where it went.
func (r *Runner) saveStorage(ctx context.Context, j *job, a schemas.SaveStorageAction) error {
	state, err := j.sess.StorageState(ctx)
	if err != nil {
		return err
	}
	file, err := r.store.Persist(a.Session, state)
	if err != nil {
		return err
	}
	j.outputs.Storage = append(j.outputs.Storage, schemas.StorageRecord{
		Session: a.Session,
		File:    filepath.Base(file),
	})
	j.log.Appendf("saved storage state for session %q", a.Session)
	return nil
}
