package models

// Bagging averages full-feature trees grown on bootstrap resamples.
type Bagging struct {
	NEstimators        int
	MaxDepth           int
	MinSamples         int
	MaxThresholdsPerFe int
	Seed               int64
	Trees              []*DecisionTree
	ClassValues        []int
	NFeatures          int
}

func NewBagging() *Bagging {
	return &Bagging{NEstimators: 30, MaxDepth: 6, MinSamples: 2, MaxThresholdsPerFe: 32, Trees: []*DecisionTree{}}
}

func (bg *Bagging) Name() string { return "Bagging" }

func (bg *Bagging) Classes() []int { return bg.ClassValues }

func (bg *Bagging) Clone() Classifier {
	return &Bagging{
		NEstimators:        bg.NEstimators,
		MaxDepth:           bg.MaxDepth,
		MinSamples:         bg.MinSamples,
		MaxThresholdsPerFe: bg.MaxThresholdsPerFe,
		Seed:               bg.Seed,
		Trees:              []*DecisionTree{},
	}
}

func (bg *Bagging) SetParams(p Params) error {
	for k, v := range p {
		var err error
		switch k {
		case "n_estimators":
			bg.NEstimators, err = paramInt(k, v)
		case "max_depth":
			bg.MaxDepth, err = paramInt(k, v)
		case "min_samples_split":
			bg.MinSamples, err = paramInt(k, v)
		case "max_thresholds":
			bg.MaxThresholdsPerFe, err = paramInt(k, v)
		case "seed":
			var s int
			s, err = paramInt(k, v)
			bg.Seed = int64(s)
		default:
			err = unknownParam(bg.Name(), k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (bg *Bagging) Fit(X [][]float64, y []int, weights []float64) error {
	nFeats, err := checkFit(X, y, weights)
	if err != nil {
		return err
	}
	classes, yIdx := encodeClasses(y)
	proto := &DecisionTree{
		MaxDepth:           bg.MaxDepth,
		MinSamplesSplit:    bg.MinSamples,
		MaxThresholdsPerFe: bg.MaxThresholdsPerFe,
	}
	bg.Trees = growForest(X, yIdx, unitWeights(weights, len(y)), len(classes), bg.NEstimators, proto, bg.Seed)
	bg.ClassValues = classes
	bg.NFeatures = nFeats
	return nil
}

func (bg *Bagging) Predict(X [][]float64) ([]int, error) {
	ps, err := bg.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxClasses(ps, bg.ClassValues), nil
}

func (bg *Bagging) PredictProba(X [][]float64) ([][]float64, error) {
	if err := checkPredict(bg.Name(), X, bg.NFeatures); err != nil {
		return nil, err
	}
	return forestProba(bg.Trees, X, len(bg.ClassValues)), nil
}
