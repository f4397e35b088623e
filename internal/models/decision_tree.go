package models

import (
	"math"
	"math/rand"
)

type DTNode struct {
	Feature   int
	Threshold float64
	Left      *DTNode
	Right     *DTNode
	IsLeaf    bool
	Proba     []float64
}

// DecisionTree is a weighted gini tree over K classes.
type DecisionTree struct {
	MaxDepth           int
	MinSamplesSplit    int
	MaxThresholdsPerFe int
	MaxFeatures        int
	Seed               int64
	Root               *DTNode
	ClassValues        []int
	NFeatures          int

	rng *rand.Rand
}

func NewDecisionTree() *DecisionTree {
	return &DecisionTree{MaxDepth: 6, MinSamplesSplit: 2, MaxThresholdsPerFe: 64}
}

func (dt *DecisionTree) Name() string { return "DecisionTree" }

func (dt *DecisionTree) Classes() []int { return dt.ClassValues }

func (dt *DecisionTree) Clone() Classifier {
	return &DecisionTree{
		MaxDepth:           dt.MaxDepth,
		MinSamplesSplit:    dt.MinSamplesSplit,
		MaxThresholdsPerFe: dt.MaxThresholdsPerFe,
		MaxFeatures:        dt.MaxFeatures,
		Seed:               dt.Seed,
	}
}

func (dt *DecisionTree) SetParams(p Params) error {
	for k, v := range p {
		var err error
		switch k {
		case "max_depth":
			dt.MaxDepth, err = paramInt(k, v)
		case "min_samples_split":
			dt.MinSamplesSplit, err = paramInt(k, v)
		case "max_thresholds":
			dt.MaxThresholdsPerFe, err = paramInt(k, v)
		case "max_features":
			dt.MaxFeatures, err = paramInt(k, v)
		case "seed":
			var s int
			s, err = paramInt(k, v)
			dt.Seed = int64(s)
		default:
			err = unknownParam(dt.Name(), k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (dt *DecisionTree) Fit(X [][]float64, y []int, weights []float64) error {
	nFeats, err := checkFit(X, y, weights)
	if err != nil {
		return err
	}
	classes, yIdx := encodeClasses(y)
	dt.ClassValues = classes
	dt.rng = rand.New(rand.NewSource(dt.Seed))
	dt.fitEncoded(X, yIdx, unitWeights(weights, len(y)), len(classes))
	dt.NFeatures = nFeats
	return nil
}

// fitEncoded trains on class indices 0..nClasses-1. Forests call it directly
// so every tree shares the forest's class axis.
func (dt *DecisionTree) fitEncoded(X [][]float64, y []int, w []float64, nClasses int) {
	if dt.rng == nil {
		dt.rng = rand.New(rand.NewSource(dt.Seed))
	}
	idx := make([]int, len(X))
	for i := range idx {
		idx[i] = i
	}
	dt.NFeatures = len(X[0])
	dt.Root = dt.build(X, y, w, nClasses, idx, 0)
}

func (dt *DecisionTree) Predict(X [][]float64) ([]int, error) {
	ps, err := dt.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxClasses(ps, dt.ClassValues), nil
}

func (dt *DecisionTree) PredictProba(X [][]float64) ([][]float64, error) {
	if err := checkPredict(dt.Name(), X, dt.NFeatures); err != nil {
		return nil, err
	}
	return dt.probaRows(X), nil
}

func (dt *DecisionTree) probaRows(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i := range X {
		p := dt.predictProbaOne(X[i])
		row := make([]float64, len(p))
		copy(row, p)
		out[i] = row
	}
	return out
}

func (dt *DecisionTree) predictProbaOne(x []float64) []float64 {
	n := dt.Root
	for !n.IsLeaf {
		if x[n.Feature] <= n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	return n.Proba
}

func (dt *DecisionTree) build(X [][]float64, y []int, w []float64, nClasses int, idx []int, depth int) *DTNode {
	node := &DTNode{}
	p := classProba(y, w, nClasses, idx)
	if len(idx) < dt.MinSamplesSplit || depth >= dt.MaxDepth || isPure(p) {
		node.IsLeaf = true
		node.Proba = p
		return node
	}
	bestFeature := -1
	bestThr := 0.0
	bestImp := math.MaxFloat64
	leftIdxBest := []int{}
	rightIdxBest := []int{}

	feats := pickFeatures(dt.rng, len(X[0]), dt.MaxFeatures)
	for _, f := range feats {
		cand := candidateThresholds(dt.rng, X, idx, f, dt.MaxThresholdsPerFe)
		for _, thr := range cand {
			lIdx, rIdx := splitIdx(X, idx, f, thr)
			if len(lIdx) == 0 || len(rIdx) == 0 {
				continue
			}
			imp := giniImpurity(y, w, nClasses, lIdx, rIdx)
			if imp < bestImp {
				bestImp = imp
				bestFeature = f
				bestThr = thr
				leftIdxBest = lIdx
				rightIdxBest = rIdx
			}
		}
	}

	if bestFeature == -1 {
		node.IsLeaf = true
		node.Proba = p
		return node
	}
	node.Feature = bestFeature
	node.Threshold = bestThr
	node.Left = dt.build(X, y, w, nClasses, leftIdxBest, depth+1)
	node.Right = dt.build(X, y, w, nClasses, rightIdxBest, depth+1)
	return node
}

// classProba is the weighted class distribution of idx.
func classProba(y []int, w []float64, nClasses int, idx []int) []float64 {
	p := make([]float64, nClasses)
	total := 0.0
	for _, i := range idx {
		p[y[i]] += w[i]
		total += w[i]
	}
	if total <= 0 {
		for k := range p {
			p[k] = 1 / float64(nClasses)
		}
		return p
	}
	for k := range p {
		p[k] /= total
	}
	return p
}

func isPure(p []float64) bool {
	for _, v := range p {
		if v == 1 {
			return true
		}
	}
	return false
}

func splitIdx(X [][]float64, idx []int, f int, thr float64) ([]int, []int) {
	l := make([]int, 0, len(idx))
	r := make([]int, 0, len(idx))
	for _, i := range idx {
		if X[i][f] <= thr {
			l = append(l, i)
		} else {
			r = append(r, i)
		}
	}
	return l, r
}

func giniImpurity(y []int, w []float64, nClasses int, lIdx, rIdx []int) float64 {
	g := func(ids []int) (float64, float64) {
		sums := make([]float64, nClasses)
		total := 0.0
		for _, i := range ids {
			sums[y[i]] += w[i]
			total += w[i]
		}
		if total <= 0 {
			return 0, 0
		}
		gini := 1.0
		for _, s := range sums {
			p := s / total
			gini -= p * p
		}
		return gini, total
	}
	gl, wl := g(lIdx)
	gr, wr := g(rIdx)
	n := wl + wr
	if n <= 0 {
		return 0
	}
	return (wl/n)*gl + (wr/n)*gr
}

func candidateThresholds(rng *rand.Rand, X [][]float64, idx []int, f int, maxC int) []float64 {
	values := make([]float64, len(idx))
	for j, i := range idx {
		values[j] = X[i][f]
	}
	for i := range values {
		j := rng.Intn(len(values))
		values[i], values[j] = values[j], values[i]
	}
	m := int(math.Min(float64(maxC), float64(len(values))))
	out := make([]float64, 0, m)
	for i := 0; i < m; i++ {
		out = append(out, values[i])
	}
	return out
}

func pickFeatures(rng *rand.Rand, nFeats int, maxFeats int) []int {
	if maxFeats <= 0 || maxFeats >= nFeats {
		out := make([]int, nFeats)
		for i := 0; i < nFeats; i++ {
			out[i] = i
		}
		return out
	}
	idx := make([]int, nFeats)
	for i := 0; i < nFeats; i++ {
		idx[i] = i
	}
	for i := range idx {
		j := rng.Intn(nFeats)
		idx[i], idx[j] = idx[j], idx[i]
	}
	out := make([]int, maxFeats)
	copy(out, idx[:maxFeats])
	return out
}
