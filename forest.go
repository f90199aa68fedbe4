package flowguard

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// standardizer centers and scales features to zero mean and unit variance,
// fitted per feature over the training set.
type standardizer struct {
	mean []float64
	std  []float64
}

func fitStandardizer(samples [][]float64) *standardizer {
	if len(samples) == 0 {
		return &standardizer{}
	}
	dims := len(samples[0])
	mean := make([]float64, dims)
	std := make([]float64, dims)

	for _, sample := range samples {
		for i, v := range sample {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(samples))
	}
	for _, sample := range samples {
		for i, v := range sample {
			d := v - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(samples)))
		// Constant features scale to themselves instead of dividing by zero.
		if std[i] == 0 {
			std[i] = 1
		}
	}
	return &standardizer{mean: mean, std: std}
}

func (s *standardizer) transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.mean[i]) / s.std[i]
	}
	return out
}

// isoNode is one node of an isolation tree. Leaves record how many training
// samples landed there so truncated paths can be extended by the expected
// remaining depth.
type isoNode struct {
	feature int
	split   float64
	left    *isoNode
	right   *isoNode
	size    int
}

func (n *isoNode) leaf() bool { return n.left == nil }

// IsolationForest scores how isolated a sample is from the bulk of the
// training data. Scores follow the score-samples convention: values lie in
// (-1, 0), more negative means more isolated. The contamination quantile of
// the training scores becomes the decision boundary: a sample whose score
// falls below it is an outlier.
type IsolationForest struct {
	trees     []*isoNode
	subsample int
	offset    float64
}

const (
	forestTrees     = 128
	forestSubsample = 256
)

// fitForest trains an isolation forest on standardized samples. The seed
// pins tree construction so retraining on identical data is reproducible.
func fitForest(samples [][]float64, contamination float64, seed int64) (*IsolationForest, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("isolation forest: no training samples")
	}
	if contamination <= 0 || contamination >= 0.5 {
		return nil, fmt.Errorf("isolation forest: contamination %v out of range", contamination)
	}
	rng := rand.New(rand.NewSource(seed))

	subsample := forestSubsample
	if subsample > len(samples) {
		subsample = len(samples)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(subsample))))

	forest := &IsolationForest{subsample: subsample}
	for t := 0; t < forestTrees; t++ {
		subset := make([][]float64, subsample)
		for i := range subset {
			subset[i] = samples[rng.Intn(len(samples))]
		}
		forest.trees = append(forest.trees, buildTree(subset, 0, maxDepth, rng))
	}

	// Decision boundary: the contamination quantile of training scores, so
	// the expected anomaly fraction of the training set sits below zero.
	scores := make([]float64, len(samples))
	for i, sample := range samples {
		scores[i] = forest.Score(sample)
	}
	sort.Float64s(scores)
	idx := int(contamination * float64(len(scores)))
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	forest.offset = scores[idx]
	return forest, nil
}

func buildTree(samples [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if depth >= maxDepth || len(samples) <= 1 {
		return &isoNode{size: len(samples)}
	}

	dims := len(samples[0])
	feature := rng.Intn(dims)

	lo, hi := samples[0][feature], samples[0][feature]
	for _, s := range samples[1:] {
		if s[feature] < lo {
			lo = s[feature]
		}
		if s[feature] > hi {
			hi = s[feature]
		}
	}
	if lo == hi {
		return &isoNode{size: len(samples)}
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, s := range samples {
		if s[feature] < split {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}
	return &isoNode{
		feature: feature,
		split:   split,
		left:    buildTree(left, depth+1, maxDepth, rng),
		right:   buildTree(right, depth+1, maxDepth, rng),
	}
}

// pathLength walks one tree, extending truncated leaves by the average
// path length of an unbuilt subtree of the leaf's size.
func pathLength(node *isoNode, x []float64, depth float64) float64 {
	if node.leaf() {
		return depth + avgPathLength(node.size)
	}
	if x[node.feature] < node.split {
		return pathLength(node.left, x, depth+1)
	}
	return pathLength(node.right, x, depth+1)
}

// avgPathLength is the expected path length of an unsuccessful BST search
// over n items, the standard isolation-forest normalizer.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	f := float64(n)
	const euler = 0.5772156649
	return 2*(math.Log(f-1)+euler) - 2*(f-1)/f
}

// Score returns the sample's anomaly score in (-1, 0); more negative means
// more isolated.
func (f *IsolationForest) Score(x []float64) float64 {
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, x, 0)
	}
	mean := total / float64(len(f.trees))
	return -math.Pow(2, -mean/avgPathLength(f.subsample))
}

// Decision returns the score relative to the contamination boundary.
// Negative values are outliers.
func (f *IsolationForest) Decision(x []float64) float64 {
	return f.Score(x) - f.offset
}
