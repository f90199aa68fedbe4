package flowguard

import (
	"math"
	"testing"
)

func TestStandardizer(t *testing.T) {
	samples := [][]float64{
		{0, 100, 5},
		{10, 100, 7},
		{20, 100, 9},
	}
	scaler := fitStandardizer(samples)

	if scaler.mean[0] != 10 || scaler.mean[2] != 7 {
		t.Errorf("means = %v", scaler.mean)
	}
	// A constant feature must not divide by zero.
	if scaler.std[1] != 1 {
		t.Errorf("constant feature std = %v, want 1", scaler.std[1])
	}

	scaled := scaler.transform([]float64{10, 100, 7})
	for i, v := range scaled {
		if v != 0 {
			t.Errorf("transform of the mean: dim %d = %v, want 0", i, v)
		}
	}
}

func TestForestScoresOutlierLower(t *testing.T) {
	samples := make([][]float64, 300)
	for i := range samples {
		samples[i] = []float64{float64(i%10) / 10, float64(i%7) / 7}
	}
	forest, err := fitForest(samples, 0.1, 42)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	inlier := forest.Score([]float64{0.5, 0.5})
	outlier := forest.Score([]float64{100, -100})
	if inlier <= -1 || inlier >= 0 || outlier <= -1 || outlier >= 0 {
		t.Fatalf("scores out of range: inlier %v, outlier %v", inlier, outlier)
	}
	if outlier >= inlier {
		t.Errorf("outlier score %v not below inlier score %v", outlier, inlier)
	}
	if forest.Decision([]float64{100, -100}) >= 0 {
		t.Errorf("extreme outlier not below decision boundary")
	}
}

func TestForestDeterministicBySeed(t *testing.T) {
	samples := make([][]float64, 200)
	for i := range samples {
		samples[i] = []float64{float64(i), float64(i * i % 31)}
	}
	a, _ := fitForest(samples, 0.1, 7)
	b, _ := fitForest(samples, 0.1, 7)

	probe := []float64{50, 3}
	if sa, sb := a.Score(probe), b.Score(probe); sa != sb {
		t.Errorf("same seed, different scores: %v vs %v", sa, sb)
	}
}

func TestForestRejectsBadInput(t *testing.T) {
	if _, err := fitForest(nil, 0.1, 1); err == nil {
		t.Error("empty training set accepted")
	}
	samples := [][]float64{{1}, {2}}
	for _, c := range []float64{0, -0.1, 0.5, 0.9} {
		if _, err := fitForest(samples, c, 1); err == nil {
			t.Errorf("contamination %v accepted", c)
		}
	}
}

func TestAvgPathLength(t *testing.T) {
	if got := avgPathLength(0); got != 0 {
		t.Errorf("avgPathLength(0) = %v, want 0", got)
	}
	if got := avgPathLength(1); got != 0 {
		t.Errorf("avgPathLength(1) = %v, want 0", got)
	}
	// c(2) = 2(ln(1) + euler) - 2(1)/2 = 2*euler - 1.
	want := 2*0.5772156649 - 1
	if got := avgPathLength(2); math.Abs(got-want) > 1e-9 {
		t.Errorf("avgPathLength(2) = %v, want %v", got, want)
	}
	if avgPathLength(100) <= avgPathLength(10) {
		t.Error("avgPathLength must grow with n")
	}
}
