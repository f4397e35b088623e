package models

import (
	"math"
	"math/rand"
)

type RandomForest struct {
	NEstimators        int
	MaxDepth           int
	MinSamples         int
	MaxThresholdsPerFe int
	MaxFeatures        int
	Seed               int64
	Trees              []*DecisionTree
	ClassValues        []int
	NFeatures          int
}

func NewRandomForest() *RandomForest {
	return &RandomForest{NEstimators: 30, MaxDepth: 8, MinSamples: 2, MaxThresholdsPerFe: 32, MaxFeatures: 0, Trees: []*DecisionTree{}}
}

func (rf *RandomForest) Name() string { return "RandomForest" }

func (rf *RandomForest) Classes() []int { return rf.ClassValues }

func (rf *RandomForest) Clone() Classifier {
	return &RandomForest{
		NEstimators:        rf.NEstimators,
		MaxDepth:           rf.MaxDepth,
		MinSamples:         rf.MinSamples,
		MaxThresholdsPerFe: rf.MaxThresholdsPerFe,
		MaxFeatures:        rf.MaxFeatures,
		Seed:               rf.Seed,
		Trees:              []*DecisionTree{},
	}
}

func (rf *RandomForest) SetParams(p Params) error {
	for k, v := range p {
		var err error
		switch k {
		case "n_estimators":
			rf.NEstimators, err = paramInt(k, v)
		case "max_depth":
			rf.MaxDepth, err = paramInt(k, v)
		case "min_samples_split":
			rf.MinSamples, err = paramInt(k, v)
		case "max_thresholds":
			rf.MaxThresholdsPerFe, err = paramInt(k, v)
		case "max_features":
			rf.MaxFeatures, err = paramInt(k, v)
		case "seed":
			var s int
			s, err = paramInt(k, v)
			rf.Seed = int64(s)
		default:
			err = unknownParam(rf.Name(), k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (rf *RandomForest) Fit(X [][]float64, y []int, weights []float64) error {
	nFeats, err := checkFit(X, y, weights)
	if err != nil {
		return err
	}
	maxFeatures := rf.MaxFeatures
	if maxFeatures <= 0 {
		maxFeatures = int(math.Max(1, math.Min(float64(nFeats), math.Sqrt(float64(nFeats)))))
	}
	classes, yIdx := encodeClasses(y)
	proto := &DecisionTree{
		MaxDepth:           rf.MaxDepth,
		MinSamplesSplit:    rf.MinSamples,
		MaxThresholdsPerFe: rf.MaxThresholdsPerFe,
		MaxFeatures:        maxFeatures,
	}
	rf.Trees = growForest(X, yIdx, unitWeights(weights, len(y)), len(classes), rf.NEstimators, proto, rf.Seed)
	rf.ClassValues = classes
	rf.NFeatures = nFeats
	return nil
}

func (rf *RandomForest) Predict(X [][]float64) ([]int, error) {
	ps, err := rf.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxClasses(ps, rf.ClassValues), nil
}

func (rf *RandomForest) PredictProba(X [][]float64) ([][]float64, error) {
	if err := checkPredict(rf.Name(), X, rf.NFeatures); err != nil {
		return nil, err
	}
	return forestProba(rf.Trees, X, len(rf.ClassValues)), nil
}

// growForest fits n trees on weighted bootstrap resamples. Each tree gets its
// own seed drawn from the forest's source.
func growForest(X [][]float64, y []int, w []float64, nClasses, n int, proto *DecisionTree, seed int64) []*DecisionTree {
	if n <= 0 {
		n = 30
	}
	rng := rand.New(rand.NewSource(seed))
	rows := len(X)
	trees := make([]*DecisionTree, 0, n)
	for k := 0; k < n; k++ {
		Xb := make([][]float64, rows)
		yb := make([]int, rows)
		wb := make([]float64, rows)
		for i := 0; i < rows; i++ {
			j := rng.Intn(rows)
			Xb[i], yb[i], wb[i] = X[j], y[j], w[j]
		}
		dt := &DecisionTree{
			MaxDepth:           proto.MaxDepth,
			MinSamplesSplit:    proto.MinSamplesSplit,
			MaxThresholdsPerFe: proto.MaxThresholdsPerFe,
			MaxFeatures:        proto.MaxFeatures,
			Seed:               rng.Int63(),
		}
		dt.fitEncoded(Xb, yb, wb, nClasses)
		trees = append(trees, dt)
	}
	return trees
}

func forestProba(trees []*DecisionTree, X [][]float64, nClasses int) [][]float64 {
	out := make([][]float64, len(X))
	for i := range out {
		out[i] = make([]float64, nClasses)
	}
	for _, dt := range trees {
		for i := range X {
			p := dt.predictProbaOne(X[i])
			for k := range p {
				out[i][k] += p[k]
			}
		}
	}
	m := float64(len(trees))
	for i := range out {
		for k := range out[i] {
			out[i][k] /= m
		}
	}
	return out
}
