package types

// Detection is a single object reported by the detector for one frame.
type Detection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"` // [x1, y1, x2, y2] in frame pixels
}

// Labeled is the public shape of a detection in image responses.
type Labeled struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// ErrorResult is the JSON body returned on any failed request
type ErrorResult struct {
	Error string `json:"error"`
}
