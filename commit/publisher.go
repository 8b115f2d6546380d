package commit

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/watermark"
)

// DatasetMetadata describes the branch output being published.
type DatasetMetadata struct {
	DatasetURN   string
	Branch       string
	BranchIndex  int
	Branches     int
	WorkUnitID   string
	ExtractID    string
	Interval     watermark.Interval
	RealizedHigh watermark.Watermark
}

// Publisher makes a branch's staged output visible. Publishing the same
// paths twice must be harmless.
type Publisher interface {
	Publish(ctx context.Context, paths []string, meta DatasetMetadata) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, paths []string, meta DatasetMetadata) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, paths []string, meta DatasetMetadata) error {
	return f(ctx, paths, meta)
}

// DirPublisher moves staged files into
// <Root>/<dataset>/<branch>/<extract id>/. The branch level is omitted for
// single-branch jobs.
type DirPublisher struct {
	Root string
	// Staging, when set, is the only tree staged files may be moved from.
	Staging string
}

// NewDirPublisher returns a publisher over root and staging, creating both.
func NewDirPublisher(root, staging string) (DirPublisher, error) {
	if root == "" {
		return DirPublisher{}, errors.Wrap(errors.ErrInvalidConfig, "publish root is empty")
	}
	for _, dir := range []string{root, staging} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return DirPublisher{}, errors.Wrapf(err, "create directory %s", dir)
		}
	}
	return DirPublisher{Root: root, Staging: staging}, nil
}

// StagingDir returns where a writer stages one branch of a work unit.
func (p DirPublisher) StagingDir(datasetURN, branch, workUnitID string) string {
	return filepath.Join(p.Staging, pathReplacer.Replace(datasetURN), pathReplacer.Replace(branch), workUnitID)
}

var pathReplacer = strings.NewReplacer("/", "_", ":", "_", "\\", "_", "#", "_")

// Dir returns the directory meta's files are published into.
func (p DirPublisher) Dir(meta DatasetMetadata) string {
	parts := []string{p.Root, pathReplacer.Replace(meta.DatasetURN)}
	if meta.Branches > 1 {
		parts = append(parts, pathReplacer.Replace(meta.Branch))
	}
	parts = append(parts, meta.ExtractID)
	return filepath.Join(parts...)
}

// Publish implements Publisher.
func (p DirPublisher) Publish(ctx context.Context, paths []string, meta DatasetMetadata) error {
	for _, src := range paths {
		if err := p.checkStaged(src); err != nil {
			return err
		}
	}
	dir := p.Dir(meta)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create publish directory %s", dir)
	}
	for _, src := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst := filepath.Join(dir, filepath.Base(src))
		if err := os.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				if _, statErr := os.Stat(dst); statErr == nil {
					continue
				}
			}
			return errors.Wrapf(err, "move %s to %s", src, dst)
		}
	}
	return nil
}

func (p DirPublisher) checkStaged(src string) error {
	if p.Staging == "" {
		return nil
	}
	staging, err := filepath.Abs(p.Staging)
	if err != nil {
		return errors.Wrapf(err, "resolve staging directory %s", p.Staging)
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return errors.Wrapf(err, "resolve staged file %s", src)
	}
	rel, err := filepath.Rel(staging, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.WithDetailf(
			errors.Wrapf(errors.ErrPublish, "%s is outside the staging directory", src),
			"Staging: %s", p.Staging)
	}
	return nil
}
