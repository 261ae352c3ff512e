package types

// SectorScores maps each sector to the classifier's confidence in it.
type SectorScores map[Sector]float64

// Primary returns the highest scoring sector. Ties are broken by the
// canonical order in Sectors. An empty map yields DefaultSector with zero
// confidence.
func (s SectorScores) Primary() (Sector, float64) {
	best := DefaultSector
	bestScore := -1.0
	for _, sector := range Sectors {
		score, ok := s[sector]
		if !ok {
			continue
		}
		if score > bestScore {
			best = sector
			bestScore = score
		}
	}
	if bestScore < 0 {
		return DefaultSector, 0
	}
	return best, bestScore
}

// Secondary returns every non-primary sector scoring at least min, in
// canonical order.
func (s SectorScores) Secondary(min float64) []Sector {
	primary, _ := s.Primary()
	var out []Sector
	for _, sector := range Sectors {
		if sector == primary {
			continue
		}
		if score, ok := s[sector]; ok && score >= min {
			out = append(out, sector)
		}
	}
	return out
}
