package checkpoint

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"segforge/internal/model"
)

func TestSaveLoadRoundTripBothFormats(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatBinary} {
		t.Run(format.String(), func(t *testing.T) {
			src := model.NewSegNet(3, 4, 1)
			st := Capture(7, src, Training{LearningRate: 0.01, BestLoss: 0.25, NotImproved: 2})
			st.Metadata.Tags = []string{"best"}

			path := EpochPath(t.TempDir(), 7, format)
			saver := NewSaver(format)
			if err := saver.Save(st, path); err != nil {
				t.Fatalf("Save: %v", err)
			}
			loaded, err := saver.Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Epoch != 7 || loaded.Training != st.Training {
				t.Fatalf("state mismatch: %+v vs %+v", loaded, st)
			}
			if loaded.Metadata.Framework != "segforge" || len(loaded.Metadata.Tags) != 1 {
				t.Fatalf("metadata mismatch: %+v", loaded.Metadata)
			}

			dst := model.NewSegNet(3, 4, 99)
			if err := Restore(loaded, dst); err != nil {
				t.Fatalf("Restore: %v", err)
			}
			for i, p := range dst.Params() {
				want := src.Params()[i]
				if len(p.Shape) != len(want.Shape) {
					t.Fatalf("%s shape mismatch", p.Name)
				}
				for j := range p.Data {
					if p.Data[j] != want.Data[j] {
						t.Fatalf("%s[%d]: got %f want %f", p.Name, j, p.Data[j], want.Data[j])
					}
				}
			}
		})
	}
}

func TestInfiniteBestLossSurvivesJSON(t *testing.T) {
	st := Capture(0, model.NewSegNet(1, 1, 1), Training{BestLoss: math.Inf(1)})
	path := filepath.Join(t.TempDir(), "inf.json")
	saver := NewSaver(FormatJSON)
	if err := saver.Save(st, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := saver.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !math.IsInf(loaded.Training.BestLoss, 1) {
		t.Fatalf("expected +Inf, got %f", loaded.Training.BestLoss)
	}
}

func TestRestoreMismatch(t *testing.T) {
	st := Capture(0, model.NewSegNet(3, 4, 1), Training{})
	if err := Restore(st, model.NewSegNet(3, 8, 1)); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}

	// Same number of values, dimensions transposed.
	st = Capture(0, model.NewSegNet(3, 4, 1), Training{})
	swapped := false
	for i := range st.Params {
		s := st.Params[i].Shape
		if len(s) >= 2 && s[0] != s[1] {
			s[0], s[1] = s[1], s[0]
			swapped = true
			break
		}
	}
	if !swapped {
		t.Fatal("no parameter with two distinct leading dimensions")
	}
	if err := Restore(st, model.NewSegNet(3, 4, 1)); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for transposed shape, got %v", err)
	}
}

func TestNonFiniteParamsSurviveBothFormats(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatBinary} {
		t.Run(format.String(), func(t *testing.T) {
			src := model.NewSegNet(3, 4, 1)
			data := src.Params()[0].Data
			data[0], data[1], data[2] = math.NaN(), math.Inf(1), math.Inf(-1)
			st := Capture(0, src, Training{BestLoss: math.NaN()})

			path := EpochPath(t.TempDir(), 0, format)
			saver := NewSaver(format)
			if err := saver.Save(st, path); err != nil {
				t.Fatalf("Save: %v", err)
			}
			loaded, err := saver.Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			got := loaded.Params[0].Data
			if !math.IsNaN(got[0]) || !math.IsInf(got[1], 1) || !math.IsInf(got[2], -1) {
				t.Fatalf("unexpected leading values %v", got[:3])
			}
			if got[3] != data[3] {
				t.Fatalf("finite value changed: got %v want %v", got[3], data[3])
			}
			if err := Restore(loaded, model.NewSegNet(3, 4, 2)); err != nil {
				t.Fatalf("Restore: %v", err)
			}
		})
	}
}

func TestLoadCorruptBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pb")
	if err := os.WriteFile(path, []byte{0x12, 0xff}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewSaver(FormatBinary).Load(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{"": FormatJSON, "json": FormatJSON, "binary": FormatBinary, "pb": FormatBinary}
	for in, want := range cases {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("onnx"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestPaths(t *testing.T) {
	if got := EpochPath("d", 3, FormatJSON); got != filepath.Join("d", "Epoch_3.json") {
		t.Fatalf("unexpected epoch path %s", got)
	}
	if got := BestPath("d", FormatBinary); got != filepath.Join("d", "Model_best.pb") {
		t.Fatalf("unexpected best path %s", got)
	}
}
