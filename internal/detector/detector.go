package detector

import "context"

// Box is a detection bounding box in pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one object found in a frame. ClassIndex is the dense model
// index, resolved to a class row by the caller.
type Detection struct {
	ClassIndex int     `json:"class_index"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Detector runs object-detection inference on a single JPEG frame using the
// model stored at modelPath.
type Detector interface {
	Detect(ctx context.Context, modelPath string, frame []byte) ([]Detection, error)
}
