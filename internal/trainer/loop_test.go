package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"segforge/internal/checkpoint"
	"segforge/internal/dataset"
	"segforge/internal/device"
	"segforge/internal/loss"
	"segforge/internal/model"
	"segforge/internal/optim"
	"segforge/internal/tracking"
)

type memTracker struct {
	runs    []string
	current string
	records map[string][]tracking.Record
}

func (m *memTracker) Start(_ context.Context, run tracking.Run) error {
	m.runs = append(m.runs, run.Name)
	m.current = run.Name
	if m.records == nil {
		m.records = map[string][]tracking.Record{}
	}
	return nil
}

func (m *memTracker) Log(_ context.Context, rec tracking.Record) error {
	m.records[m.current] = append(m.records[m.current], rec)
	return nil
}

func (m *memTracker) Finish(context.Context) error { return nil }

type failingTracker struct{ calls int }

func (f *failingTracker) Start(context.Context, tracking.Run) error {
	f.calls++
	return errors.New("tracking backend down")
}

func (f *failingTracker) Log(context.Context, tracking.Record) error {
	f.calls++
	return errors.New("tracking backend down")
}

func (f *failingTracker) Finish(context.Context) error {
	f.calls++
	return errors.New("tracking backend down")
}

// scriptedLoss returns the next value of losses on every call, repeating the
// last one, with a zero gradient.
type scriptedLoss struct {
	losses []float64
	calls  int
}

func (s *scriptedLoss) Name() string { return "scripted" }

func (s *scriptedLoss) Forward(logits, _ model.Tensor) (float64, model.Tensor, error) {
	i := s.calls
	if i >= len(s.losses) {
		i = len(s.losses) - 1
	}
	s.calls++
	return s.losses[i], model.NewTensor(logits.Shape), nil
}

func baseOptions(t *testing.T) Options {
	t.Helper()
	m := model.NewSegNet(3, 4, 1)
	return Options{
		Model:     m,
		Criterion: loss.BCEWithLogits{},
		Optimizer: optim.NewAdam(m.Params(), 0.05, 0.9, 0.999, 1e-8, 0),
		Train:     dataset.Synthetic(8, 2, 8, 8, 1),
		Epochs:    3,
		SaveDir:   filepath.Join(t.TempDir(), "seg", "ver1"),
		Seed:      1,
	}
}

func TestTrainLogsCheckpointsAndTests(t *testing.T) {
	opts := baseOptions(t)
	opts.Valid = dataset.Synthetic(4, 2, 8, 8, 2)
	opts.Test = dataset.Synthetic(4, 2, 8, 8, 3)
	tr := &memTracker{}
	opts.Tracker = tr

	trn, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := trn.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.Epochs != 3 || len(res.TrainLoss) != 3 || len(res.ValLoss) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Test == nil || res.Test.Batches != 2 {
		t.Fatalf("expected test result over 2 batches, got %+v", res.Test)
	}

	if len(tr.runs) != 2 || tr.runs[0] != "ver1" || tr.runs[1] != "ver1_test" {
		t.Fatalf("unexpected runs %v", tr.runs)
	}
	recs := tr.records["ver1"]
	if len(recs) != 3 {
		t.Fatalf("expected 3 epoch records, got %d", len(recs))
	}
	for _, key := range []string{"Train Loss", "Train P.A", "Train IOU", "Val Loss", "Val P.A", "Val IOU"} {
		if _, ok := recs[0].Scalars[key]; !ok {
			t.Fatalf("missing %q in %v", key, recs[0].Scalars)
		}
	}
	if got := len(recs[0].Examples); got != 4 {
		t.Fatalf("expected 2 examples from each of 2 batches, got %d", got)
	}
	testRecs := tr.records["ver1_test"]
	if len(testRecs) != 1 {
		t.Fatalf("expected one test record, got %d", len(testRecs))
	}
	for _, key := range []string{"Test Loss", "Test P.A", "Test IOU"} {
		if _, ok := testRecs[0].Scalars[key]; !ok {
			t.Fatalf("missing %q in %v", key, testRecs[0].Scalars)
		}
	}

	dir := trn.SaveDir()
	for _, name := range []string{"Epoch_0.json", "Model_best.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if st := trn.Status(); st.Phase != PhaseDone || st.BestLoss == nil {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestEarlyStoppingOnWorseningLoss(t *testing.T) {
	opts := baseOptions(t)
	opts.Train = dataset.Synthetic(2, 2, 4, 4, 1)
	opts.Criterion = &scriptedLoss{losses: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}}
	opts.Epochs = 10
	opts.EarlyStop = 2
	opts.SavePeriod = 2

	trn, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := trn.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !res.EarlyStopped || res.Epochs != 4 {
		t.Fatalf("expected early stop after 4 epochs, got %+v", res)
	}
	if res.BestEpoch != 0 || res.BestLoss != 1 {
		t.Fatalf("expected best epoch 0 with loss 1, got %d %v", res.BestEpoch, res.BestLoss)
	}
	for name, want := range map[string]bool{"Epoch_0.json": true, "Epoch_1.json": false, "Epoch_2.json": true, "Epoch_3.json": false} {
		_, err := os.Stat(filepath.Join(trn.SaveDir(), name))
		if (err == nil) != want {
			t.Fatalf("%s: exists=%v, want %v", name, err == nil, want)
		}
	}
}

func TestTiesCountAsImprovement(t *testing.T) {
	opts := baseOptions(t)
	opts.Criterion = &scriptedLoss{losses: []float64{0.5}}
	opts.EarlyStop = 1

	trn, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := trn.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.EarlyStopped || res.BestEpoch != 2 {
		t.Fatalf("expected equal losses to keep improving, got %+v", res)
	}
	st, err := checkpoint.NewSaver(checkpoint.FormatJSON).Load(checkpoint.BestPath(trn.SaveDir(), checkpoint.FormatJSON))
	if err != nil {
		t.Fatalf("load best: %v", err)
	}
	if st.Epoch != 2 {
		t.Fatalf("expected best checkpoint from epoch 2, got %d", st.Epoch)
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	opts := baseOptions(t)
	opts.Epochs = 8
	trn, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := trn.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	first, last := res.TrainLoss[0], res.TrainLoss[len(res.TrainLoss)-1]
	if !(last < first) {
		t.Fatalf("expected loss to decrease, got %v", res.TrainLoss)
	}
}

func TestSchedulerUsesMonitoredLoss(t *testing.T) {
	opts := baseOptions(t)
	opts.Criterion = &scriptedLoss{losses: []float64{1, 1, 1, 1, 1, 1, 1, 1}}
	opts.Epochs = 4
	opts.Scheduler = optim.NewPlateau(0.5, 1, 1e-4, "min")

	trn, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := trn.Train(context.Background()); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if lr := opts.Optimizer.LR(); lr >= 0.05 {
		t.Fatalf("expected plateau to reduce the learning rate, got %v", lr)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	opts := baseOptions(t)
	opts.Model = nil
	if _, err := New(opts); err == nil {
		t.Fatal("expected error for missing model")
	}

	opts = baseOptions(t)
	opts.Epochs = 0
	if _, err := New(opts); err == nil {
		t.Fatal("expected error for zero epochs")
	}

	opts = baseOptions(t)
	opts.Device = "cuda:0"
	if _, err := New(opts); !errors.Is(err, device.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestNewVersionsSaveDir(t *testing.T) {
	opts := baseOptions(t)
	if err := os.MkdirAll(opts.SaveDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	trn, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if filepath.Base(trn.SaveDir()) != "ver2" {
		t.Fatalf("expected ver2, got %s", trn.SaveDir())
	}
	if st := trn.Status(); st.Run != "ver2" {
		t.Fatalf("expected run name ver2, got %q", st.Run)
	}
}

func TestTrainHonoursCancellation(t *testing.T) {
	trn, err := New(baseOptions(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := trn.Train(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEmptyLoader(t *testing.T) {
	opts := baseOptions(t)
	opts.Train = &dataset.MemoryLoader{}
	trn, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := trn.Train(context.Background()); !errors.Is(err, ErrEmptyLoader) {
		t.Fatalf("expected ErrEmptyLoader, got %v", err)
	}
}

func TestEvaluateExamples(t *testing.T) {
	opts := baseOptions(t)
	opts.Norm = dataset.Normalization{Mean: [3]float64{0.5, 0.5, 0.5}, Std: [3]float64{0.25, 0.25, 0.25}}
	opts.ExamplesPerBatch = 5
	trn, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ev, err := trn.Evaluate(context.Background(), dataset.Synthetic(3, 3, 6, 5, 9))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(ev.Examples) != 3 {
		t.Fatalf("expected examples capped at batch size 3, got %d", len(ev.Examples))
	}
	ex := ev.Examples[0]
	img, err := png.Decode(bytes.NewReader(ex.Image))
	if err != nil {
		t.Fatalf("decode example: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 5 || b.Dy() != 6 {
		t.Fatalf("unexpected example size %v", b)
	}
	if len(ex.Pred) != 30 || len(ex.Target) != 30 {
		t.Fatalf("unexpected mask sizes %d %d", len(ex.Pred), len(ex.Target))
	}
	for _, v := range ex.Target {
		if v != tracking.ClassBackground && v != tracking.ClassGroundTruth {
			t.Fatalf("unexpected target class %d", v)
		}
	}
	for _, v := range ex.Pred {
		if v != tracking.ClassBackground && v != tracking.ClassDamage {
			t.Fatalf("unexpected predicted class %d", v)
		}
	}
}

func TestStatusJSONHandlesInfinity(t *testing.T) {
	trn, err := New(baseOptions(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := json.Marshal(trn.Status())
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	if !bytes.Contains(data, []byte(`"best_loss":null`)) || !bytes.Contains(data, []byte(`"phase":"idle"`)) {
		t.Fatalf("unexpected status json %s", data)
	}
}

func TestToByte(t *testing.T) {
	cases := map[float64]uint8{-1: 0, 0: 0, 0.5: 128, 1: 255, 2: 255}
	for in, want := range cases {
		if got := toByte(in); got != want {
			t.Fatalf("toByte(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestNewEvaluatorWritesNothing(t *testing.T) {
	m := model.NewSegNet(3, 2, 1)
	ev, err := NewEvaluator(Options{Model: m, Criterion: loss.SoftDice{Smooth: 1}})
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	if ev.SaveDir() != "" {
		t.Fatalf("expected no save dir, got %q", ev.SaveDir())
	}
	res, err := ev.Evaluate(context.Background(), dataset.Synthetic(4, 2, 4, 4, 5))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Batches != 2 || len(res.Metrics) != 2 {
		t.Fatalf("unexpected eval result %+v", res)
	}
}

func TestValidationLossDrivesEarlyStopAndScheduler(t *testing.T) {
	opts := baseOptions(t)
	opts.Train = dataset.Synthetic(2, 2, 4, 4, 1)
	opts.Valid = dataset.Synthetic(2, 2, 4, 4, 2)
	// One batch per phase: calls alternate train, valid. Train improves
	// every epoch while validation gets worse.
	opts.Criterion = &scriptedLoss{losses: []float64{1, 10, 0.9, 11, 0.8, 12, 0.7, 13, 0.6, 14}}
	opts.Epochs = 5
	opts.EarlyStop = 1
	opts.Scheduler = optim.NewPlateau(0.5, 1, 1e-4, "min")

	trn, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := trn.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !res.EarlyStopped || res.Epochs != 3 {
		t.Fatalf("expected early stop after 3 epochs, got %+v", res)
	}
	if res.BestEpoch != 0 || res.BestLoss != 10 {
		t.Fatalf("expected best validation loss 10 at epoch 0, got %d %v", res.BestEpoch, res.BestLoss)
	}
	if lr := opts.Optimizer.LR(); lr != 0.025 {
		t.Fatalf("expected one plateau reduction to 0.025, got %v", lr)
	}
}

func TestTrackerFailuresDoNotAbortTraining(t *testing.T) {
	opts := baseOptions(t)
	opts.Valid = dataset.Synthetic(4, 2, 8, 8, 2)
	opts.Test = dataset.Synthetic(4, 2, 8, 8, 3)
	tr := &failingTracker{}
	opts.Tracker = tr
	var buf bytes.Buffer
	opts.Logger = zerolog.New(&buf)

	trn, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := trn.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.Epochs != 3 || res.Test == nil {
		t.Fatalf("expected full run with test phase, got %+v", res)
	}
	// start, 3 logs, finish for training; start, log, finish for test.
	if tr.calls != 8 {
		t.Fatalf("expected 8 tracker calls, got %d", tr.calls)
	}
	if got := strings.Count(buf.String(), "tracker call failed"); got != 8 {
		t.Fatalf("expected 8 warnings, got %d:\n%s", got, buf.String())
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("expected warn level entries:\n%s", buf.String())
	}
}

func TestExamplesOnlyFromLeadingBatches(t *testing.T) {
	trn, err := New(baseOptions(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ev, err := trn.Evaluate(context.Background(), dataset.Synthetic(20, 2, 4, 4, 3))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Batches != 10 {
		t.Fatalf("expected 10 batches, got %d", ev.Batches)
	}
	if len(ev.Examples) != defaultExampleBatches*defaultExamplesPerBatch {
		t.Fatalf("expected %d examples, got %d", defaultExampleBatches*defaultExamplesPerBatch, len(ev.Examples))
	}
	for _, ex := range ev.Examples {
		if strings.Contains(ex.Caption, "batch 8 ") || strings.Contains(ex.Caption, "batch 9 ") {
			t.Fatalf("example from a batch past the limit: %q", ex.Caption)
		}
		if ex.Classes[tracking.ClassDamage] != "Damage" || ex.Classes[tracking.ClassGroundTruth] != "Ground Truth" {
			t.Fatalf("unexpected example classes %v", ex.Classes)
		}
	}
}

func TestTestPhaseSkippedWithoutBestCheckpoint(t *testing.T) {
	opts := baseOptions(t)
	opts.Criterion = &scriptedLoss{losses: []float64{math.NaN()}}
	opts.Epochs = 2
	opts.Test = dataset.Synthetic(4, 2, 8, 8, 3)
	tr := &memTracker{}
	opts.Tracker = tr
	var buf bytes.Buffer
	opts.Logger = zerolog.New(&buf)

	trn, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := trn.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.BestEpoch != -1 || res.Test != nil {
		t.Fatalf("expected no best epoch and no test result, got %+v", res)
	}
	if len(tr.runs) != 1 {
		t.Fatalf("expected only the training run, got %v", tr.runs)
	}
	if !strings.Contains(buf.String(), "no best checkpoint to test") {
		t.Fatalf("expected skip warning:\n%s", buf.String())
	}
	if st := trn.Status(); st.Phase != PhaseDone {
		t.Fatalf("expected done phase, got %q", st.Phase)
	}
}
