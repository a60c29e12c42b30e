package inference

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/okonek/go-media-pipeline/internal/blob"
	"github.com/okonek/go-media-pipeline/internal/media"
)

// LocalBackend runs the transform synchronously with ffmpeg on this host.
// Intended for development and for deployments without a GPU service; the
// transform per mode is opaque to the orchestration core.
type LocalBackend struct {
	store   blob.Store
	bin     string
	tempDir string
}

// NewLocalBackend creates a synchronous ffmpeg backend.
func NewLocalBackend(store blob.Store, ffmpegBin, tempDir string) *LocalBackend {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &LocalBackend{store: store, bin: ffmpegBin, tempDir: tempDir}
}

func (b *LocalBackend) Invoke(ctx context.Context, inputLocation, outputLocation, mode string) (Invocation, error) {
	work := filepath.Join(b.tempDir, "infer-"+uuid.New().String()[:8])
	if err := os.MkdirAll(work, 0o755); err != nil {
		return Invocation{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	inputPath := filepath.Join(work, "input"+filepath.Ext(inputLocation))
	if err := media.Download(ctx, b.store, inputLocation, inputPath); err != nil {
		return Invocation{}, fmt.Errorf("stage input: %w", err)
	}

	outputPath := filepath.Join(work, "output"+filepath.Ext(inputLocation))
	if err := b.transform(ctx, inputPath, outputPath, mode); err != nil {
		return Invocation{}, err
	}

	if err := media.Upload(ctx, b.store, outputPath, outputLocation); err != nil {
		return Invocation{}, fmt.Errorf("publish output: %w", err)
	}
	return Invocation{Async: false}, nil
}

// transform applies the mode's codec arguments. These are stand-in
// transforms; production deployments point INFERENCE_URL at the real
// model service instead.
func (b *LocalBackend) transform(ctx context.Context, inputPath, outputPath, mode string) error {
	args := []string{"-y", "-i", inputPath}
	switch mode {
	case "audio":
		args = append(args, "-vn", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1")
	default:
		args = append(args, "-c", "copy")
	}
	args = append(args, outputPath)

	cmd := exec.CommandContext(ctx, b.bin, args...)
	var output strings.Builder
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg transform (%s): %w - %s", mode, err, strings.TrimSpace(output.String()))
	}
	return nil
}

var _ Backend = (*LocalBackend)(nil)
