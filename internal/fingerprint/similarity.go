package fingerprint

import "math"

// Hardware attribute weights. Their sum is hardwareTotal.
const (
	weightManufacturer = 3
	weightModel        = 3
	weightDeviceName   = 2
	weightBoard        = 2
	weightCPU          = 2
	weightBrand        = 1
	hardwareTotal      = weightManufacturer + weightModel + weightDeviceName + weightBoard + weightCPU + weightBrand
)

// Dimension weights with and without app data on both sides.
const (
	hardwareWeight = 0.7
	displayWeight  = 0.3

	hardwareWeightWithApps = 0.5
	displayWeightWithApps  = 0.25
	appWeight              = 0.25
)

// Similarity returns a score in [0, 1] describing how alike two devices are.
// App inventory only contributes when both fingerprints carry one.
func Similarity(a, b *Fingerprint) float64 {
	hw := HardwareSimilarity(a, b)
	disp := DisplaySimilarity(a, b)
	if a.App == nil || b.App == nil {
		return hardwareWeight*hw + displayWeight*disp
	}
	return hardwareWeightWithApps*hw + displayWeightWithApps*disp + appWeight*AppSimilarity(a.App, b.App)
}

// HardwareSimilarity is the weighted share of matching hardware attributes.
func HardwareSimilarity(a, b *Fingerprint) float64 {
	score := 0
	if a.Manufacturer == b.Manufacturer {
		score += weightManufacturer
	}
	if a.Model == b.Model {
		score += weightModel
	}
	if a.DeviceName == b.DeviceName {
		score += weightDeviceName
	}
	if a.Board == b.Board {
		score += weightBoard
	}
	if a.CPUArchitecture == b.CPUArchitecture {
		score += weightCPU
	}
	if a.Brand == b.Brand {
		score += weightBrand
	}
	return float64(score) / hardwareTotal
}

// DisplaySimilarity is 1 when resolution and density all match, else 0.
func DisplaySimilarity(a, b *Fingerprint) float64 {
	if a.WidthPixels == b.WidthPixels && a.HeightPixels == b.HeightPixels && a.DensityDPI == b.DensityDPI {
		return 1
	}
	return 0
}

// AppSimilarity blends app-count closeness (30%) with package-set overlap (70%).
func AppSimilarity(a, b *AppFingerprint) float64 {
	count := 0.4*ratio(a.TotalApps, b.TotalApps) +
		0.4*ratio(a.UserApps, b.UserApps) +
		0.2*ratio(a.SystemApps, b.SystemApps)
	pkg := 0.7*Jaccard(a.UserPackages(), b.UserPackages()) +
		0.3*Jaccard(a.SystemPackages(), b.SystemPackages())
	return 0.3*count + 0.7*pkg
}

// Jaccard returns |A∩B| / |A∪B|, or 1 when both sets are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func ratio(a, b int) float64 {
	hi := math.Max(float64(a), float64(b))
	if hi == 0 {
		return 1
	}
	return 1 - math.Abs(float64(a-b))/hi
}
