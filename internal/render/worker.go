// File: internal/render/worker.go

// Package render composes downloaded images and an optional audio track into
// a vertical MP4 via an external ffmpeg subprocess. At most one render runs
// at a time; the slot is an explicit semaphore so the concurrency control is
// testable in isolation.
package render

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/stagehand/api/schemas"
	"github.com/xkilldash9x/stagehand/internal/allowlist"
	"github.com/xkilldash9x/stagehand/internal/artifact"
	"github.com/xkilldash9x/stagehand/internal/assetfetch"
	"github.com/xkilldash9x/stagehand/internal/config"
)

// ErrBusy signals that the render slot is taken. Maps to 409 at the HTTP
// layer.
var ErrBusy = errors.New("a render job is already in progress")

const outputFilename = "render.mp4"

// runCommand executes the encoder binary and returns its combined output.
// Injected so worker tests run without ffmpeg installed.
type runCommand func(ctx context.Context, name string, args []string) ([]byte, error)

// Worker owns the single render slot and the encoder invocation.
type Worker struct {
	cfg         config.RenderConfig
	outputRoot  string
	tmpRoot     string
	routePrefix string
	fetch       *assetfetch.Fetcher
	allow       *allowlist.Allowlist
	log         *zap.Logger
	slot        *semaphore.Weighted
	run         runCommand
	now         func() time.Time
}

// New builds a worker sharing the runner's artifact roots and allowlist so
// rendered files are served through the same artifact route.
func New(cfg config.RenderConfig, rcfg config.RunnerConfig, fetcher *assetfetch.Fetcher, logger *zap.Logger) *Worker {
	return &Worker{
		cfg:         cfg,
		outputRoot:  rcfg.OutputDir,
		tmpRoot:     rcfg.TmpDir,
		routePrefix: rcfg.ArtifactsRoutePrefix,
		fetch:       fetcher,
		allow:       allowlist.New(rcfg.AllowDomains),
		log:         logger.Named("render"),
		slot:        semaphore.NewWeighted(cfg.MaxConcurrent),
		run:         runFFmpeg,
		now:         time.Now,
	}
}

func runFFmpeg(ctx context.Context, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Render executes one composition job to completion. Like the browser
// runner, it always returns a terminal result rather than a raw error.
func (w *Worker) Render(ctx context.Context, req *schemas.RenderRequest) *schemas.RenderResult {
	started := w.now()
	jobID := uuid.NewString()

	fail := func(status int, err error) *schemas.RenderResult {
		w.log.Warn("Render failed.", zap.String("job_id", jobID), zap.Int("status", status), zap.Error(err))
		return &schemas.RenderResult{
			JobID:      jobID,
			TookMs:     w.now().Sub(started).Milliseconds(),
			StatusCode: status,
			Message:    err.Error(),
		}
	}

	if err := w.validate(req); err != nil {
		return fail(http.StatusBadRequest, err)
	}

	if !w.slot.TryAcquire(1) {
		return fail(http.StatusConflict, ErrBusy)
	}
	defer w.slot.Release(1)

	outDir, tmpDir, err := artifact.JobDirs(w.outputRoot, w.tmpRoot, jobID)
	if err != nil {
		return fail(http.StatusInternalServerError, fmt.Errorf("failed to create render directories: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			w.log.Warn("Failed to remove render tmp directory.", zap.String("job_id", jobID), zap.Error(err))
		}
	}()

	w.log.Info("Render starting.",
		zap.String("job_id", jobID), zap.Int("images", len(req.Images)), zap.Bool("audio", req.Audio != ""))

	images, audioPath, err := w.download(ctx, req, tmpDir)
	if err != nil {
		return fail(downloadStatus(err), err)
	}

	outPath := filepath.Join(outDir, outputFilename)
	if err := w.compose(ctx, req, images, audioPath, tmpDir, outPath); err != nil {
		if isTimeout(err) {
			return fail(http.StatusGatewayTimeout, err)
		}
		return fail(http.StatusInternalServerError, err)
	}

	tookMs := w.now().Sub(started).Milliseconds()
	w.log.Info("Render succeeded.", zap.String("job_id", jobID), zap.Int64("took_ms", tookMs))
	return &schemas.RenderResult{
		OK:     true,
		JobID:  jobID,
		TookMs: tookMs,
		Artifact: &schemas.Artifact{
			Name:     "render",
			Filename: outputFilename,
			URL:      path.Join(w.routePrefix, jobID, url.PathEscape(outputFilename)),
		},
	}
}

func (w *Worker) validate(req *schemas.RenderRequest) error {
	if len(req.Images) == 0 {
		return errors.New("images: at least one image is required")
	}
	if len(req.Images) > w.cfg.MaxImages {
		return fmt.Errorf("images: %d exceeds maximum of %d", len(req.Images), w.cfg.MaxImages)
	}
	if req.SecondsPerImage < 0 {
		return errors.New("secondsPerImage: must be positive")
	}
	if req.Width < 0 || req.Height < 0 {
		return errors.New("width/height: must be positive")
	}
	urls := req.Images
	if req.Audio != "" {
		urls = append(append([]string{}, urls...), req.Audio)
	}
	for _, raw := range urls {
		if err := w.allow.Check(raw); err != nil {
			return err
		}
	}
	return nil
}

// download fetches every input into the job tmp directory, renaming images
// to their sequence position so duplicate basenames cannot collide.
func (w *Worker) download(ctx context.Context, req *schemas.RenderRequest, tmpDir string) ([]string, string, error) {
	images := make([]string, 0, len(req.Images))
	for i, rawURL := range req.Images {
		res, err := w.fetch.Fetch(ctx, rawURL, tmpDir, w.cfg.MaxAssetBytes, w.cfg.AssetTimeout, w.allow)
		if err != nil {
			return nil, "", fmt.Errorf("image %d: %w", i, err)
		}
		indexed := filepath.Join(tmpDir, fmt.Sprintf("%03d%s", i, filepath.Ext(res.Path)))
		if err := os.Rename(res.Path, indexed); err != nil {
			return nil, "", fmt.Errorf("failed to stage image %d: %w", i, err)
		}
		images = append(images, indexed)
	}

	var audioPath string
	if req.Audio != "" {
		res, err := w.fetch.FetchAudio(ctx, req.Audio, tmpDir, w.cfg.MaxAssetBytes, w.cfg.AssetTimeout, w.allow)
		if err != nil {
			return nil, "", fmt.Errorf("audio: %w", err)
		}
		audioPath = res.Path
	}
	return images, audioPath, nil
}

// compose writes the concat list and invokes the encoder.
func (w *Worker) compose(ctx context.Context, req *schemas.RenderRequest, images []string, audioPath, tmpDir, outPath string) error {
	secs := req.SecondsPerImage
	if secs == 0 {
		secs = w.cfg.SecondsPerImage
	}
	width, height := req.Width, req.Height
	if width == 0 {
		width = w.cfg.Width
	}
	if height == 0 {
		height = w.cfg.Height
	}

	listPath := filepath.Join(tmpDir, "concat.txt")
	if err := os.WriteFile(listPath, []byte(concatList(images, secs)), 0o644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}

	args := encoderArgs(listPath, audioPath, width, height, outPath)

	renderCtx, cancel := context.WithTimeout(ctx, w.cfg.RenderTimeout)
	defer cancel()

	out, err := w.run(renderCtx, w.cfg.FFmpegPath, args)
	if err != nil {
		if renderCtx.Err() != nil {
			return fmt.Errorf("encoder timed out after %s", w.cfg.RenderTimeout)
		}
		return fmt.Errorf("encoder failed: %v: %s", err, tail(out, 512))
	}
	return nil
}

// concatList renders the ffmpeg concat demuxer input. The final image is
// repeated without a duration so the demuxer holds the last frame.
func concatList(images []string, secs float64) string {
	var b strings.Builder
	for _, img := range images {
		fmt.Fprintf(&b, "file '%s'\n", img)
		fmt.Fprintf(&b, "duration %.3f\n", secs)
	}
	fmt.Fprintf(&b, "file '%s'\n", images[len(images)-1])
	return b.String()
}

// encoderArgs builds the ffmpeg invocation: concat the stills, scale and pad
// into the target frame, optionally mux the audio track trimmed to the video
// length.
func encoderArgs(listPath, audioPath string, width, height int, outPath string) []string {
	args := []string{
		"-y",
		"-f", "concat", "-safe", "0", "-i", listPath,
	}
	if audioPath != "" {
		args = append(args, "-i", audioPath)
	}
	args = append(args,
		"-vf", fmt.Sprintf(
			"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,format=yuv420p",
			width, height, width, height),
		"-r", "30",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
	)
	if audioPath != "" {
		args = append(args, "-c:a", "aac", "-shortest")
	}
	return append(args, outPath)
}

func downloadStatus(err error) int {
	if isTimeout(err) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadRequest
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, assetfetch.ErrDownloadTimeout) ||
		strings.Contains(strings.ToLower(err.Error()), "timed out")
}

func tail(out []byte, n int) string {
	s := strings.TrimSpace(string(out))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
