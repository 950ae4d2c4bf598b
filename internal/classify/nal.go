package classify

const (
	nalTypeFragmentationUnit = 49

	// VCL slice types carrying predictive (non-IRAP) pictures.
	nalTypePredictiveMin = 1
	nalTypePredictiveMax = 9
)

// IsPredictiveSlice reports whether an H.265 RTP payload carries a
// predictive slice. Short or unrecognized payloads are not predictive.
//
//	payload header: F(15) Type(14:9) LayerId(8:3) TID(2:0)
//	FU header:      S(7) E(6) FuType(5:0)
func IsPredictiveSlice(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}

	nalType := (payload[0] >> 1) & 0x3F
	if nalType == nalTypeFragmentationUnit && len(payload) >= 3 {
		return isPredictiveType(payload[2] & 0x3F)
	}
	return isPredictiveType(nalType)
}

func isPredictiveType(t byte) bool {
	return t >= nalTypePredictiveMin && t <= nalTypePredictiveMax
}
