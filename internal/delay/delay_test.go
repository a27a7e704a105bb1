package delay

import (
	"errors"
	"math"
	"testing"

	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/integrators"
	"github.com/san-kum/dipcsim/internal/physics"
)

func TestBufferRing(t *testing.T) {
	b := NewBuffer(3)
	if b.Len() != 0 || b.Cap() != 3 {
		t.Fatalf("new buffer: len %d cap %d", b.Len(), b.Cap())
	}
	if _, ok := b.At(0); ok {
		t.Error("At(0) on an empty buffer should report false")
	}

	for i := 1; i <= 5; i++ {
		b.Push(dynamo.State{T: float64(i)}, float64(10*i))
	}
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}

	tests := []struct {
		age   int
		force float64
	}{
		{0, 50},
		{1, 40},
		{2, 30},
	}
	for _, tt := range tests {
		s, ok := b.At(tt.age)
		if !ok || s.Force != tt.force || s.State.T != tt.force/10 {
			t.Errorf("At(%d) = %+v, %v; want force %v", tt.age, s, ok, tt.force)
		}
	}
	if _, ok := b.At(3); ok {
		t.Error("At beyond Len should report false")
	}

	got := b.Forces(2)
	if len(got) != 2 || got[0] != 40 || got[1] != 50 {
		t.Errorf("Forces(2) = %v, want [40 50]", got)
	}
	if got := b.Forces(10); len(got) != 3 || got[0] != 30 {
		t.Errorf("Forces(10) = %v, want the 3 stored values oldest first", got)
	}

	b.Reset()
	if b.Len() != 0 || b.Cap() != 3 {
		t.Errorf("after Reset: len %d cap %d", b.Len(), b.Cap())
	}
}

func TestBufferMinimumCapacity(t *testing.T) {
	b := NewBuffer(0)
	b.Push(dynamo.State{}, 1)
	b.Push(dynamo.State{}, 2)
	if b.Cap() != 1 || b.Len() != 1 {
		t.Fatalf("len %d cap %d", b.Len(), b.Cap())
	}
	if s, _ := b.At(0); s.Force != 2 {
		t.Errorf("newest force = %v, want 2", s.Force)
	}
}

func newPredictor(t *testing.T, steps int) (*physics.DIPC, *Predictor) {
	t.Helper()
	model, err := physics.New(dynamo.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	lin, err := model.Linearize(physics.Upright)
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPredictor(lin, 0.002, steps)
	if err != nil {
		t.Fatal(err)
	}
	return model, p
}

func TestPredictZeroDelayIsIdentity(t *testing.T) {
	_, p := newPredictor(t, 0)
	obs := dynamo.State{Q: [3]float64{0.1, 0.02, -0.03}, DQ: [3]float64{1, 2, 3}, T: 4.2, F: 7}

	for _, buf := range []*Buffer{nil, NewBuffer(1)} {
		got, err := p.Predict(buf, obs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != obs {
			t.Errorf("Predict with zero delay = %+v, want %+v", got, obs)
		}
	}
}

func TestPredictInsufficientHistory(t *testing.T) {
	_, p := newPredictor(t, 5)
	buf := NewBuffer(5)
	buf.Push(dynamo.State{}, 1)
	buf.Push(dynamo.State{}, 1)

	obs := dynamo.State{Q: [3]float64{0, 0.01, 0}}
	got, err := p.Predict(buf, obs)
	var hist *dynamo.InsufficientHistoryError
	if !errors.As(err, &hist) {
		t.Fatalf("expected *InsufficientHistoryError, got %v", err)
	}
	if hist.Have != 2 || hist.Need != 5 {
		t.Errorf("history error = %+v", hist)
	}
	if dynamo.IsFatal(err) {
		t.Error("insufficient history must be recoverable")
	}
	if got != obs {
		t.Error("expected the raw observation as fallback")
	}
}

func TestPredictRestStaysAtRest(t *testing.T) {
	_, p := newPredictor(t, 4)
	buf := NewBuffer(4)
	for i := 0; i < 4; i++ {
		buf.Push(dynamo.State{}, 0)
	}
	got, err := p.Predict(buf, dynamo.State{T: 1})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got.Vector() {
		if v != 0 {
			t.Errorf("x[%d] = %g, want 0", i, v)
		}
	}
	if math.Abs(got.T-1.008) > 1e-12 {
		t.Errorf("predicted time %v, want 1.008", got.T)
	}
}

// The prediction must track the nonlinear plant when the plant really applies
// the buffered commands N ticks late.
func TestPredictTracksDelayedPlant(t *testing.T) {
	const (
		steps = 10
		dt    = 0.002
	)
	model, p := newPredictor(t, steps)
	integ := integrators.NewRK4()

	buf := NewBuffer(steps)
	line := make([]float64, steps) // plant delay line, oldest first
	s := dynamo.State{Q: [3]float64{0, 0.002, -0.001}}

	var predicted []dynamo.State
	var actual []dynamo.State
	for k := 0; k < 60; k++ {
		cmd := 0.1 * math.Sin(float64(k)/7)
		if k >= steps {
			est, err := p.Predict(buf, s)
			if err != nil {
				t.Fatalf("tick %d: %v", k, err)
			}
			predicted = append(predicted, est)
		}

		line = append(line, cmd)
		applied := line[0]
		line = line[1:]

		next, err := integ.Step(model, s, applied, dt)
		if err != nil {
			t.Fatal(err)
		}
		s = next
		buf.Push(s, cmd)
		actual = append(actual, s)
	}

	// predicted[i] was made at tick steps+i from state actual[steps+i-1] and
	// targets the state after another `steps` ticks.
	for i := range predicted {
		target := steps + i - 1 + steps
		if target >= len(actual) {
			break
		}
		want := actual[target]
		for j, v := range predicted[i].Vector() {
			if diff := math.Abs(v - want.Vector()[j]); diff > 1e-4 {
				t.Fatalf("prediction %d, x[%d]: got %g want %g", i, j, v, want.Vector()[j])
			}
		}
	}
}
