package commit

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/ixpipe/errors"
	ixtest "github.com/teranos/ixpipe/internal/testing"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/task"
	"github.com/teranos/ixpipe/watermark"
	"github.com/teranos/ixpipe/workunit"
)

const dataset = "db.orders"

type recordingPublisher struct {
	mu        sync.Mutex
	published []DatasetMetadata
	failFor   string
}

func (p *recordingPublisher) Publish(_ context.Context, _ []string, meta DatasetMetadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if meta.Branch == p.failFor {
		return errors.New("target directory is read-only")
	}
	p.published = append(p.published, meta)
	return nil
}

func (p *recordingPublisher) branches() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	for i, m := range p.published {
		out[i] = m.Branch
	}
	return out
}

// runUnit runs one attempt over [low, high) with the given branch count.
// failBranch >= 0 makes that branch's writer fail to flush.
func runUnit(t *testing.T, low, high watermark.Watermark, branches, failBranch int) *task.TaskState {
	t.Helper()
	writers := &ixtest.WriterSet{Configure: func(w *ixtest.MemoryWriter, _ *workunit.WorkUnit, branch int) {
		if branch == failBranch {
			w.FailFlush = errors.New("staging volume full")
		}
	}}
	runner := &task.Runner{
		Extractors: func(context.Context, *workunit.WorkUnit, watermark.Interval) (task.Extractor, error) {
			return &ixtest.SliceExtractor{Records: ixtest.Records(10)}, nil
		},
		Writers: func(ctx context.Context, wu *workunit.WorkUnit, i int, name string) (task.Writer, error) {
			return writers.Open(ctx, wu, i, name)
		},
	}

	wu := workunit.New(dataset, watermark.Interval{Low: low, High: high}, props.Props{props.ForkBranches: strconv.Itoa(branches)})
	ts := task.NewTaskState(wu.ID, wu)
	_ = runner.Run(context.Background(), ts)
	return ts
}

func newCoordinator(policy Policy, seed map[string]watermark.Watermark) (*Coordinator, *recordingPublisher, *watermark.MemoryStore) {
	store := watermark.NewMemoryStore(seed)
	pub := &recordingPublisher{}
	return &Coordinator{
		Policy:     policy,
		Publisher:  pub,
		Watermarks: watermark.NewManager(store, nil),
	}, pub, store
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyFull, false},
		{"full", PolicyFull, false},
		{"PARTIAL", PolicyPartial, false},
		{" partial ", PolicyPartial, false},
		{"eventual", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWatermarkKey(t *testing.T) {
	assert.Equal(t, dataset, PolicyFull.WatermarkKey(dataset, "hot", 3))
	assert.Equal(t, dataset, PolicyPartial.WatermarkKey(dataset, "default", 1))
	assert.Equal(t, dataset+"#hot", PolicyPartial.WatermarkKey(dataset, "hot", 3))
}

func TestFullCommitPublishesEveryBranch(t *testing.T) {
	c, pub, store := newCoordinator(PolicyFull, map[string]watermark.Watermark{dataset: 100})
	ts := runUnit(t, 100, 200, 3, -1)
	require.Equal(t, task.StateSuccessful, ts.State())

	res, err := c.Resolve(context.Background(), ts)
	require.NoError(t, err)

	assert.Equal(t, task.StateCommitted, ts.State())
	assert.Equal(t, 1, res.Committed)
	assert.ElementsMatch(t, []string{"fork_0", "fork_1", "fork_2"}, pub.branches())
	assert.Equal(t, watermark.Watermark(200), store.Snapshot()[dataset])
	for _, b := range ts.Branches() {
		assert.True(t, b.Committed)
		assert.Equal(t, dataset, b.WatermarkKey)
	}
}

func TestFullCommitWithOneFailingBranchPublishesNothing(t *testing.T) {
	c, pub, store := newCoordinator(PolicyFull, map[string]watermark.Watermark{dataset: 100})
	ts := runUnit(t, 100, 200, 3, 1)
	require.Equal(t, task.StateFailed, ts.State())

	res, err := c.Resolve(context.Background(), ts)
	require.NoError(t, err)

	assert.Equal(t, task.StateAborted, ts.State())
	assert.Zero(t, res.Committed)
	assert.Empty(t, pub.branches())
	assert.Equal(t, watermark.Watermark(100), store.Snapshot()[dataset])
}

func TestPartialCommitPublishesPassingBranches(t *testing.T) {
	c, pub, store := newCoordinator(PolicyPartial, nil)
	ts := runUnit(t, 100, 200, 3, 1)

	res, err := c.Resolve(context.Background(), ts)
	require.NoError(t, err)

	assert.Equal(t, task.StateAborted, ts.State())
	assert.ElementsMatch(t, []string{"fork_0", "fork_2"}, pub.branches())

	marks := store.Snapshot()
	assert.Equal(t, watermark.Watermark(200), marks[dataset+"#fork_0"])
	assert.Equal(t, watermark.Watermark(200), marks[dataset+"#fork_2"])
	_, ok := marks[dataset+"#fork_1"]
	assert.False(t, ok)
	assert.Contains(t, res.HeldBack, dataset+"#fork_1")

	branches := ts.Branches()
	assert.Equal(t, "COMMITTED", branches[0].FinalStatus())
	assert.Equal(t, "FAILED", branches[1].FinalStatus())
	assert.Equal(t, "COMMITTED", branches[2].FinalStatus())
}

func TestPublishFailureAbortsBranch(t *testing.T) {
	c, pub, store := newCoordinator(PolicyPartial, nil)
	pub.failFor = "fork_0"
	ts := runUnit(t, 0, 50, 2, -1)

	_, err := c.Resolve(context.Background(), ts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPublish))

	assert.Equal(t, task.StateAborted, ts.State())
	branches := ts.Branches()
	assert.False(t, branches[0].Committed)
	assert.Error(t, branches[0].PublishErr)
	assert.Equal(t, "ABORTED", branches[0].FinalStatus())
	assert.True(t, branches[1].Committed)
	assert.True(t, errors.Is(ts.LastErr(), errors.ErrPublish))

	marks := store.Snapshot()
	assert.Equal(t, watermark.Watermark(50), marks[dataset+"#fork_1"])
	assert.NotContains(t, marks, dataset+"#fork_0")
}

func TestStateStoreFailureAfterPublishIsInconsistent(t *testing.T) {
	c, pub, store := newCoordinator(PolicyFull, nil)
	store.FailPut = errors.New("database is locked")
	ts := runUnit(t, 0, 50, 1, -1)

	res, err := c.Resolve(context.Background(), ts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStateStore))

	assert.Len(t, pub.branches(), 1)
	assert.Equal(t, task.StateCommitted, ts.State())
	assert.True(t, ts.Inconsistent())
	assert.True(t, res.Inconsistent)
}

func TestDatasetWatermarkStopsAtFirstGap(t *testing.T) {
	c, pub, store := newCoordinator(PolicyFull, nil)
	first := runUnit(t, 0, 100, 1, -1)
	gap := runUnit(t, 100, 200, 1, 0)
	last := runUnit(t, 200, 300, 1, -1)

	res, err := c.ResolveDataset(context.Background(), dataset, []*task.TaskState{last, gap, first})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Committed)
	assert.Equal(t, 1, res.Aborted)
	assert.Len(t, pub.branches(), 2)
	assert.Equal(t, watermark.Watermark(100), store.Snapshot()[dataset])
	assert.Equal(t, []string{dataset}, res.HeldBack)
	assert.Equal(t, task.StateCommitted, last.State())
}

func TestDatasetWatermarkTakesHighestOfPrefix(t *testing.T) {
	c, _, store := newCoordinator(PolicyFull, map[string]watermark.Watermark{dataset: 0})
	states := []*task.TaskState{
		runUnit(t, 0, 100, 1, -1),
		runUnit(t, 100, 200, 1, -1),
		runUnit(t, 200, 300, 1, -1),
	}

	res, err := c.ResolveDataset(context.Background(), dataset, states)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Committed)
	assert.Equal(t, watermark.Watermark(300), store.Snapshot()[dataset])
	assert.Equal(t, watermark.Watermark(300), res.Watermarks[dataset])
	assert.Empty(t, res.HeldBack)
}

func TestCommittedUnitWithoutRealizedHighIsReported(t *testing.T) {
	c, pub, store := newCoordinator(PolicyFull, nil)
	runner := &task.Runner{
		Extractors: func(context.Context, *workunit.WorkUnit, watermark.Interval) (task.Extractor, error) {
			return &ixtest.SliceExtractor{Records: ixtest.Records(5)}, nil
		},
		Writers: func(ctx context.Context, wu *workunit.WorkUnit, i int, name string) (task.Writer, error) {
			return (&ixtest.WriterSet{}).Open(ctx, wu, i, name)
		},
	}
	wu := workunit.New(dataset, watermark.Interval{Low: 100, High: watermark.Absent, Unbounded: true}, nil)
	ts := task.NewTaskState(wu.ID, wu)
	require.NoError(t, runner.Run(context.Background(), ts))

	res, err := c.ResolveDataset(context.Background(), dataset, []*task.TaskState{ts})
	require.NoError(t, err)

	assert.Equal(t, task.StateCommitted, ts.State())
	assert.Len(t, pub.branches(), 1)
	assert.Equal(t, []string{dataset}, res.Unrealized)
	assert.Empty(t, res.Watermarks)
	_, ok := store.Snapshot()[dataset]
	assert.False(t, ok)
}

func TestUndispatchedTaskIsAbortedAndHoldsWatermark(t *testing.T) {
	c, _, store := newCoordinator(PolicyFull, nil)
	done := runUnit(t, 0, 100, 1, -1)
	pending := task.NewTaskState("pending", workunit.New(dataset, watermark.Interval{Low: 50, High: 150}, nil))

	res, err := c.ResolveDataset(context.Background(), dataset, []*task.TaskState{done, pending})
	require.NoError(t, err)

	assert.Equal(t, task.StateAborted, pending.State())
	assert.True(t, errors.Is(pending.LastErr(), errors.ErrCancelled))
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, watermark.Watermark(100), store.Snapshot()[dataset])
}

func TestWatermarkNeverRegresses(t *testing.T) {
	c, _, store := newCoordinator(PolicyFull, map[string]watermark.Watermark{dataset: 500})
	ts := runUnit(t, 0, 100, 1, -1)

	res, err := c.Resolve(context.Background(), ts)
	require.NoError(t, err)
	assert.Equal(t, watermark.Watermark(500), store.Snapshot()[dataset])
	assert.Equal(t, watermark.Watermark(500), res.Watermarks[dataset])
}

func TestDirPublisherMovesStagedFiles(t *testing.T) {
	root := t.TempDir()
	staging := t.TempDir()
	src := filepath.Join(staging, "part-0.jsonl")
	require.NoError(t, os.WriteFile(src, []byte("{}\n"), 0o644))

	pub := DirPublisher{Root: root}
	meta := DatasetMetadata{DatasetURN: "mysql://db/orders", Branch: "hot", Branches: 2, ExtractID: "20260101000000"}

	require.NoError(t, pub.Publish(context.Background(), []string{src}, meta))
	dst := filepath.Join(root, "mysql___db_orders", "hot", "20260101000000", "part-0.jsonl")
	assert.FileExists(t, dst)
	assert.NoFileExists(t, src)

	require.NoError(t, pub.Publish(context.Background(), []string{src}, meta))
}

func TestDirPublisherRequiresStagedFiles(t *testing.T) {
	base := t.TempDir()
	pub, err := NewDirPublisher(filepath.Join(base, "published"), filepath.Join(base, "staging"))
	require.NoError(t, err)
	assert.DirExists(t, pub.Root)
	assert.DirExists(t, pub.Staging)

	meta := DatasetMetadata{DatasetURN: "db.orders", Branch: "default", Branches: 1, ExtractID: "1"}

	staged := pub.StagingDir(meta.DatasetURN, meta.Branch, "wu-1")
	assert.Equal(t, filepath.Join(base, "staging", "db.orders", "default", "wu-1"), staged)
	require.NoError(t, os.MkdirAll(staged, 0o755))
	inside := filepath.Join(staged, "part-0.jsonl")
	require.NoError(t, os.WriteFile(inside, []byte("{}\n"), 0o644))
	require.NoError(t, pub.Publish(context.Background(), []string{inside}, meta))
	assert.FileExists(t, filepath.Join(pub.Dir(meta), "part-0.jsonl"))

	outside := filepath.Join(base, "stray.jsonl")
	require.NoError(t, os.WriteFile(outside, []byte("{}\n"), 0o644))
	err = pub.Publish(context.Background(), []string{outside}, meta)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPublish))
	assert.FileExists(t, outside)

	_, err = NewDirPublisher("", "")
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}
