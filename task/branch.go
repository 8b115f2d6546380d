package task

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/metrics"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/quality"
	"github.com/teranos/ixpipe/record"
	"github.com/teranos/ixpipe/workunit"
)

// branchHandler is the fork.Handler for one branch: row checks, then the
// writer.
type branchHandler struct {
	dataset string
	name    string
	writer  Writer
	rows    *quality.RowChecker
	tasks   *quality.TaskChecker
	metrics *metrics.Pipeline
	paths   []string
}

func (h *branchHandler) Handle(ctx context.Context, rec record.Record) error {
	pass, err := h.rows.Check(rec)
	if !pass {
		h.metrics.RowDiverted(h.dataset, h.name)
	}
	if err != nil {
		return tagUnclassified(err, errors.ErrWriter, "row error sink")
	}
	if !pass {
		return nil
	}
	if err := h.writer.Write(ctx, rec); err != nil {
		return tagUnclassified(err, errors.ErrWriter, "write record")
	}
	h.metrics.RowWritten(h.dataset, h.name)
	return nil
}

func (h *branchHandler) Finish(ctx context.Context) error {
	paths, err := h.writer.Flush(ctx)
	if err != nil {
		return tagUnclassified(err, errors.ErrWriter, "flush writer")
	}
	h.paths = paths
	return nil
}

func (h *branchHandler) close(log *zap.SugaredLogger) {
	if err := h.rows.Close(); err != nil {
		log.Warnw("Failed to close row error sink", "branch", h.name, "error", err)
	}
	if c, ok := h.writer.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warnw("Failed to close writer", "branch", h.name, "error", err)
		}
	}
}

var urnReplacer = strings.NewReplacer("/", "_", ":", "_", "\\", "_", "#", "_")

// errorSinkFor returns the row error file for a branch, or nil when
// qualitychecker.row.err.file is unset. The option names a directory; each
// branch of each work unit writes its own file beneath it.
func errorSinkFor(bp props.Props, wu *workunit.WorkUnit, branch string) quality.Sink {
	dir := bp.String(props.RowErrFile, "")
	if dir == "" {
		return nil
	}
	name := fmt.Sprintf("%s_%s.jsonl", wu.ID, urnReplacer.Replace(branch))
	return quality.NewFileSink(filepath.Join(dir, urnReplacer.Replace(wu.DatasetURN), name))
}

// tagUnclassified wraps err with msg, marking it with sentinel unless it
// already carries a pipeline error class.
func tagUnclassified(err error, sentinel error, msg string) error {
	if errors.Classify(err) == "unknown" {
		err = errors.Tag(err, sentinel)
	}
	return errors.Wrap(err, msg)
}
