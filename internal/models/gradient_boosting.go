package models

import (
	"math"
	"sort"
)

type gbTree struct {
	Feature   int
	Threshold float64
	LeftVal   float64
	RightVal  float64
}

// GradientBoosting fits one stump per class per round on the softmax
// residuals.
type GradientBoosting struct {
	NEstimators        int
	LearningRate       float64
	MinSamples         int
	MaxThresholdsPerFe int
	Init               []float64
	Trees              [][]gbTree
	ClassValues        []int
	NFeatures          int
}

func NewGradientBoosting() *GradientBoosting {
	return &GradientBoosting{NEstimators: 50, LearningRate: 0.1, MinSamples: 1, MaxThresholdsPerFe: 32}
}

func (gb *GradientBoosting) Name() string { return "GradientBoosting" }

func (gb *GradientBoosting) Classes() []int { return gb.ClassValues }

func (gb *GradientBoosting) Clone() Classifier {
	return &GradientBoosting{
		NEstimators:        gb.NEstimators,
		LearningRate:       gb.LearningRate,
		MinSamples:         gb.MinSamples,
		MaxThresholdsPerFe: gb.MaxThresholdsPerFe,
	}
}

func (gb *GradientBoosting) SetParams(p Params) error {
	for k, v := range p {
		var err error
		switch k {
		case "n_estimators":
			gb.NEstimators, err = paramInt(k, v)
		case "learning_rate":
			gb.LearningRate, err = paramFloat(k, v)
		case "min_samples_leaf":
			gb.MinSamples, err = paramInt(k, v)
		case "max_thresholds":
			gb.MaxThresholdsPerFe, err = paramInt(k, v)
		default:
			err = unknownParam(gb.Name(), k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// featureCuts holds, per feature, the sample order sorted by value plus the
// candidate thresholds and how many sorted samples fall at or below each.
type featureCuts struct {
	order      []int
	thresholds []float64
	left       []int
}

func (gb *GradientBoosting) Fit(X [][]float64, y []int, weights []float64) error {
	nFeats, err := checkFit(X, y, weights)
	if err != nil {
		return err
	}
	classes, yIdx := encodeClasses(y)
	w := unitWeights(weights, len(y))
	n := len(X)
	K := len(classes)

	prior := make([]float64, K)
	total := 0.0
	for i := 0; i < n; i++ {
		prior[yIdx[i]] += w[i]
		total += w[i]
	}
	gb.Init = make([]float64, K)
	for k := range prior {
		base := prior[k] / total
		if base <= 1e-3 {
			base = 1e-3
		}
		gb.Init[k] = math.Log(base)
	}
	gb.Trees = nil
	gb.ClassValues = classes
	gb.NFeatures = nFeats
	if K < 2 {
		return nil
	}

	cuts := make([]featureCuts, nFeats)
	for j := 0; j < nFeats; j++ {
		cuts[j] = gbCandidateThresholds(X, j, gb.MaxThresholdsPerFe)
	}

	F := make([][]float64, n)
	for i := range F {
		F[i] = make([]float64, K)
		copy(F[i], gb.Init)
	}
	r := make([]float64, n)
	for m := 0; m < gb.NEstimators; m++ {
		P := make([][]float64, n)
		for i := range F {
			P[i] = softmax(F[i])
		}
		round := make([]gbTree, K)
		found := false
		for k := 0; k < K; k++ {
			for i := 0; i < n; i++ {
				target := 0.0
				if yIdx[i] == k {
					target = 1
				}
				r[i] = target - P[i][k]
			}
			round[k] = gb.fitStump(cuts, r, w)
			if round[k].Feature != -1 {
				found = true
			}
		}
		if !found {
			break
		}
		gb.Trees = append(gb.Trees, round)
		for i := 0; i < n; i++ {
			for k, t := range round {
				F[i][k] += gb.LearningRate * t.value(X[i])
			}
		}
	}
	return nil
}

// fitStump picks the split minimising weighted squared error of r.
func (gb *GradientBoosting) fitStump(cuts []featureCuts, r, w []float64) gbTree {
	best := gbTree{Feature: -1}
	bestSSE := math.MaxFloat64
	n := len(r)
	sw := make([]float64, n+1)
	swr := make([]float64, n+1)
	swr2 := make([]float64, n+1)
	for j, fc := range cuts {
		for p, i := range fc.order {
			sw[p+1] = sw[p] + w[i]
			swr[p+1] = swr[p] + w[i]*r[i]
			swr2[p+1] = swr2[p] + w[i]*r[i]*r[i]
		}
		for c, thr := range fc.thresholds {
			l := fc.left[c]
			if l < gb.MinSamples || n-l < gb.MinSamples || l == 0 || l == n {
				continue
			}
			lw, lwr, lwr2 := sw[l], swr[l], swr2[l]
			rw, rwr, rwr2 := sw[n]-lw, swr[n]-lwr, swr2[n]-lwr2
			if lw <= 0 || rw <= 0 {
				continue
			}
			sse := (lwr2 - lwr*lwr/lw) + (rwr2 - rwr*rwr/rw)
			if sse < bestSSE {
				bestSSE = sse
				best = gbTree{Feature: j, Threshold: thr, LeftVal: lwr / lw, RightVal: rwr / rw}
			}
		}
	}
	return best
}

func (t gbTree) value(x []float64) float64 {
	if t.Feature == -1 {
		return 0
	}
	if x[t.Feature] > t.Threshold {
		return t.RightVal
	}
	return t.LeftVal
}

func (gb *GradientBoosting) PredictProba(X [][]float64) ([][]float64, error) {
	if err := checkPredict(gb.Name(), X, gb.NFeatures); err != nil {
		return nil, err
	}
	out := make([][]float64, len(X))
	for i := range X {
		f := make([]float64, len(gb.Init))
		copy(f, gb.Init)
		for _, round := range gb.Trees {
			for k, t := range round {
				f[k] += gb.LearningRate * t.value(X[i])
			}
		}
		out[i] = softmax(f)
	}
	return out, nil
}

func (gb *GradientBoosting) Predict(X [][]float64) ([]int, error) {
	p, err := gb.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxClasses(p, gb.ClassValues), nil
}

func softmax(f []float64) []float64 {
	out := make([]float64, len(f))
	hi := math.Inf(-1)
	for _, v := range f {
		if v > hi {
			hi = v
		}
	}
	sum := 0.0
	for k, v := range f {
		out[k] = math.Exp(v - hi)
		sum += out[k]
	}
	for k := range out {
		out[k] /= sum
	}
	return out
}

func gbCandidateThresholds(X [][]float64, j int, nCand int) featureCuts {
	if nCand <= 0 {
		nCand = 16
	}
	n := len(X)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return X[order[a]][j] < X[order[b]][j] })
	vals := make([]float64, n)
	for p, i := range order {
		vals[p] = X[i][j]
	}
	fc := featureCuts{order: order}
	for k := 1; k < nCand; k++ {
		idx := int(math.Round(float64(k) / float64(nCand) * float64(n-1)))
		if idx <= 0 || idx >= n {
			continue
		}
		thr := vals[idx]
		if len(fc.thresholds) == 0 || thr != fc.thresholds[len(fc.thresholds)-1] {
			fc.thresholds = append(fc.thresholds, thr)
			fc.left = append(fc.left, sort.Search(n, func(p int) bool { return vals[p] > thr }))
		}
	}
	return fc
}
