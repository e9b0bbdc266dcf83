package detect

const (
	// Perceptual hash width used for distance normalization
	hashBits = 64

	// Contribution of one distinct keyword hit to the keyword score
	keywordHitWeight = 0.5

	// Floor reported for fully silent audio, below any real threshold
	silenceFloorDB = -120.0

	// Candidates within this band above activation trust the classifier
	// confidence alone; above it the heuristic score acts as a floor.
	aiTrustBand = 0.1
)
