package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog/log"

	fileutil "mediavault/internal/file"
)

const (
	DefaultLevel            = flate.BestCompression
	DefaultProgressInterval = 100 * time.Millisecond

	partialSuffix = ".partial"
)

// ErrCancelled is returned by Build when its context is cancelled before the
// archive is published.
var ErrCancelled = errors.New("archive cancelled")

// Reporter receives progress as an integer percentage of processed entries.
type Reporter interface {
	Report(percent int)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(percent int)

func (f ReporterFunc) Report(percent int) { f(percent) }

type Options struct {
	// Level is the deflate level, flate.HuffmanOnly..flate.BestCompression.
	Level int
	// ProgressInterval throttles Reporter calls.
	ProgressInterval time.Duration
	Clock            clockwork.Clock
}

// Result summarizes a finished build.
type Result struct {
	Entries int
	Files   int
	Bytes   int64
}

// Builder streams a directory tree into a zip file.
type Builder struct {
	level    int
	interval time.Duration
	clock    clockwork.Clock
}

func NewBuilder(opts Options) *Builder {
	if opts.Level < flate.HuffmanOnly || opts.Level > flate.BestCompression {
		opts.Level = DefaultLevel
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Builder{level: opts.Level, interval: opts.ProgressInterval, clock: opts.Clock}
}

type entry struct {
	path string
	name string
	info fs.FileInfo
}

// Build archives every file and directory under sourceDir into destZipPath.
// Entry names are rooted at the base name of sourceDir so extraction yields a
// folder. The archive is written to a sibling ".partial" file and renamed into
// place once it is complete and synced; on cancellation or any error the
// partial file is removed and destZipPath is left untouched.
func (b *Builder) Build(ctx context.Context, sourceDir, destZipPath string, reporter Reporter) (Result, error) {
	entries, err := collectEntries(sourceDir)
	if err != nil {
		return Result{}, err
	}

	partialPath := destZipPath + partialSuffix
	zipFile, zipWriter, err := b.prepareZip(partialPath)
	if err != nil {
		return Result{}, err
	}

	result, err := b.writeEntries(ctx, zipWriter, entries, reporter)
	if err != nil {
		discard(zipFile, partialPath)
		return result, err
	}

	if err := zipWriter.Close(); err != nil {
		log.Error().Err(err).Str("path", partialPath).Msg("closing zip writer failed")
		discard(zipFile, partialPath)
		return result, fmt.Errorf("close zip writer: %w", err)
	}
	if err := zipFile.Sync(); err != nil {
		discard(zipFile, partialPath)
		return result, fmt.Errorf("sync zip file: %w", err)
	}
	if err := zipFile.Close(); err != nil {
		log.Error().Err(err).Str("path", partialPath).Msg("closing zip file failed")
		_ = os.Remove(partialPath)
		return result, fmt.Errorf("close zip file: %w", err)
	}
	if ctx.Err() != nil {
		_ = os.Remove(partialPath)
		return result, ErrCancelled
	}
	if err := os.Rename(partialPath, destZipPath); err != nil {
		_ = os.Remove(partialPath)
		return result, fmt.Errorf("publish zip: %w", err)
	}
	return result, nil
}

func (b *Builder) writeEntries(ctx context.Context, zipWriter *zip.Writer, entries []entry, reporter Reporter) (Result, error) {
	var (
		result     Result
		lastReport time.Time
		total      = len(entries)
	)
	for i, e := range entries {
		if ctx.Err() != nil {
			return result, ErrCancelled
		}
		written, err := writeEntry(zipWriter, e)
		if err != nil {
			return result, err
		}
		result.Entries++
		if !e.info.IsDir() {
			result.Files++
			result.Bytes += written
		}

		if reporter != nil {
			now := b.clock.Now()
			if lastReport.IsZero() || now.Sub(lastReport) >= b.interval {
				lastReport = now
				reporter.Report((i + 1) * 100 / total)
			}
		}
	}
	return result, nil
}

func writeEntry(zipWriter *zip.Writer, e entry) (int64, error) {
	header, err := zip.FileInfoHeader(e.info)
	if err != nil {
		return 0, fmt.Errorf("zip header %s: %w", e.name, err)
	}
	header.Name = e.name
	if e.info.IsDir() {
		header.Method = zip.Store
		if _, err := zipWriter.CreateHeader(header); err != nil {
			return 0, fmt.Errorf("zip entry create %s: %w", e.name, err)
		}
		return 0, nil
	}
	header.Method = zip.Deflate

	entryWriter, err := zipWriter.CreateHeader(header)
	if err != nil {
		return 0, fmt.Errorf("zip entry create %s: %w", e.name, err)
	}
	sourceFile, err := os.Open(e.path) //nolint:gosec // path comes from walking a resolved directory
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", e.path, err)
	}
	written, err := io.Copy(entryWriter, sourceFile)
	_ = sourceFile.Close()
	if err != nil {
		return written, fmt.Errorf("copy %s into zip: %w", e.path, err)
	}
	return written, nil
}

// collectEntries lists sourceDir depth first. Directories get explicit
// entries ("name/") so empty folders survive extraction.
func collectEntries(sourceDir string) ([]entry, error) {
	base := filepath.Base(sourceDir)
	var entries []entry
	err := filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			log.Debug().Str("path", p).Str("mode", d.Type().String()).Msg("skipping irregular file")
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err //nolint:wrapcheck
		}
		rel, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return err //nolint:wrapcheck
		}
		name := path.Join(base, filepath.ToSlash(rel))
		if d.IsDir() {
			name += "/"
		}
		entries = append(entries, entry{path: p, name: name, info: info})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", sourceDir, err)
	}
	return entries, nil
}

// prepareZip creates the destination file and a zip writer using klauspost's
// deflate at the builder's level.
func (b *Builder) prepareZip(destZipPath string) (*os.File, *zip.Writer, error) {
	zipFile, err := createFile(destZipPath)
	if err != nil {
		return nil, nil, err
	}
	zipWriter := zip.NewWriter(zipFile)
	level := b.level
	zipWriter.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		fw, err := flate.NewWriter(out, level)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		return fw, nil
	})
	return zipFile, zipWriter, nil
}

func discard(zipFile *os.File, partialPath string) {
	_ = zipFile.Close()
	if err := fileutil.RemoveIfExists(partialPath); err != nil {
		log.Warn().Err(err).Str("path", partialPath).Msg("removing partial zip failed")
	}
}

// createFile creates or truncates the destination file along with its parent dir.
func createFile(destinationPath string) (*os.File, error) {
	if err := fileutil.EnsureDir(filepath.Dir(destinationPath)); err != nil {
		return nil, err //nolint:wrapcheck
	}
	outputFile, err := os.Create(destinationPath) //nolint:gosec // path is constructed by the application
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return outputFile, nil
}
