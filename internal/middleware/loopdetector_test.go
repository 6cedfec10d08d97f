package middleware

import "testing"

func TestLoopDetectorRequiresMinimumSamples(t *testing.T) {
	d, err := NewLoopDetector(5, 3, 2)
	if err != nil {
		t.Fatalf("NewLoopDetector: %v", err)
	}
	if det := d.RecordAndCheck("same", nil); det != nil {
		t.Fatalf("det = %+v; want nil with 1 sample", det)
	}
	if det := d.RecordAndCheck("same", nil); det != nil {
		t.Fatalf("det = %+v; want nil with 2 samples", det)
	}
}

func TestLoopDetectorOutputRepeat(t *testing.T) {
	d, _ := NewLoopDetector(5, 3, 2)
	d.RecordAndCheck("same", nil)
	d.RecordAndCheck("same", nil)
	det := d.RecordAndCheck("same", nil)

	if det == nil || det.Type != DetectionOutputRepeat {
		t.Fatalf("det = %+v; want output_repeat", det)
	}
}

func TestLoopDetectorToolCycle(t *testing.T) {
	d, _ := NewLoopDetector(5, 3, 3)
	outputs := []string{"a", "b", "c", "d", "e", "f"}
	calls := [][]string{{"search"}, {"analyze"}, {"search"}, {"analyze"}, {"search"}, {"analyze"}}
	var det *Detection
	for i := range outputs {
		det = d.RecordAndCheck(outputs[i], calls[i])
		if i < 5 && det != nil {
			t.Fatalf("unexpected detection at turn %d: %+v", i, det)
		}
	}
	if det == nil || det.Type != DetectionToolCycle {
		t.Fatalf("det = %+v; want tool_cycle on the 6th turn", det)
	}
	if len(det.CyclePattern) != 2 || det.CyclePattern[0] != "search" || det.CyclePattern[1] != "analyze" {
		t.Fatalf("CyclePattern = %v", det.CyclePattern)
	}
	if det.Repetitions != 3 || det.WindowSize != 5 {
		t.Fatalf("Repetitions = %d, WindowSize = %d; want 3, 5", det.Repetitions, det.WindowSize)
	}
}

func TestLoopDetectorRejectsLowThreshold(t *testing.T) {
	if _, err := NewLoopDetector(5, 1, 2); err == nil {
		t.Fatal("expected error for repeatThreshold < 2")
	}
}

func TestLoopDetectorReset(t *testing.T) {
	d, _ := NewLoopDetector(5, 2, 2)
	d.RecordAndCheck("same", nil)
	d.RecordAndCheck("same", nil)
	d.Reset()
	if det := d.RecordAndCheck("same", nil); det != nil {
		t.Fatalf("det = %+v; want nil right after reset", det)
	}
}
