// Package media wraps the external codec invocations the pipeline treats
// as opaque transforms: splitting a source into fixed-duration segments and
// concatenating processed segments back into one artifact.
package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/okonek/go-media-pipeline/internal/blob"
)

// FFmpeg invokes the ffmpeg binary for split and concat transforms.
type FFmpeg struct {
	Bin     string
	TempDir string
}

// NewFFmpeg resolves the binary path, defaulting to ffmpeg on PATH.
func NewFFmpeg(bin, tempDir string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &FFmpeg{Bin: bin, TempDir: tempDir}
}

// Split cuts the input into fixed-duration segments and returns their local
// paths in segment order. Uses the stream-copying segment muxer so the
// split itself performs no re-encode.
func (f *FFmpeg) Split(ctx context.Context, inputPath, workDir string, segmentSeconds int) ([]string, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create split dir: %w", err)
	}

	pattern := filepath.Join(workDir, "seg_%05d"+filepath.Ext(inputPath))
	args := []string{
		"-y",
		"-i", inputPath,
		"-c", "copy",
		"-map", "0",
		"-f", "segment",
		"-segment_time", strconv.Itoa(segmentSeconds),
		"-reset_timestamps", "1",
		pattern,
	}

	if output, err := f.run(ctx, args...); err != nil {
		return nil, fmt.Errorf("ffmpeg split: %w - %s", err, strings.TrimSpace(output))
	}

	matches, err := filepath.Glob(filepath.Join(workDir, "seg_*"+filepath.Ext(inputPath)))
	if err != nil {
		return nil, fmt.Errorf("locate segments: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("ffmpeg split produced no segments")
	}
	sort.Strings(matches)
	return matches, nil
}

// Concat joins the inputs, in the order given, into a single output file
// using the concat demuxer.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, outputPath string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("concat: no inputs")
	}

	listFile, err := os.CreateTemp(f.TempDir, "concat-*.txt")
	if err != nil {
		return fmt.Errorf("concat list: %w", err)
	}
	defer os.Remove(listFile.Name())

	for _, in := range inputs {
		if _, err := fmt.Fprintf(listFile, "file '%s'\n", in); err != nil {
			listFile.Close()
			return fmt.Errorf("concat list: %w", err)
		}
	}
	if err := listFile.Close(); err != nil {
		return fmt.Errorf("concat list: %w", err)
	}

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile.Name(),
		"-c", "copy",
		outputPath,
	}
	if output, err := f.run(ctx, args...); err != nil {
		return fmt.Errorf("ffmpeg concat: %w - %s", err, strings.TrimSpace(output))
	}
	return nil
}

// run executes ffmpeg and captures combined output for error reporting.
func (f *FFmpeg) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, f.Bin, args...)
	var output strings.Builder
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	return output.String(), err
}

// Download stages an object into a local file.
func Download(ctx context.Context, store blob.Store, key, localPath string) error {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := out.ReadFrom(rc); err != nil {
		out.Close()
		return fmt.Errorf("download %s: %w", key, err)
	}
	return out.Close()
}

// Upload stages a local file into the object store, deriving the content
// type from the key's extension.
func Upload(ctx context.Context, store blob.Store, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	return store.Put(ctx, key, file, stat.Size(), contentTypeFor(key))
}

func contentTypeFor(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
