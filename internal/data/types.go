package data

// Training is a per-sample reflectance table: one row per pixel, labelled
// with the crown it was drawn from.
type Training struct {
	CrownIDs []string
	Bands    []string
	X        [][]float64
}

// SpeciesTable maps crowns to species, one row per crown.
type SpeciesTable struct {
	CrownIDs   []string
	SpeciesIDs []int
	Species    []string
}

// Bands lists the sensor wavelengths and which of them carry usable data.
type Bands struct {
	Wavelengths []float64
	Good        []bool
}

// Subset returns the rows of t whose keep entry is true.
func (t Training) Subset(keep []bool) Training {
	out := Training{Bands: t.Bands}
	for i, k := range keep {
		if k {
			out.CrownIDs = append(out.CrownIDs, t.CrownIDs[i])
			out.X = append(out.X, t.X[i])
		}
	}
	return out
}
