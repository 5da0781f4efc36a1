package prediction

import "github.com/banshee-data/lineage/internal/geometry"

// DatasetParams describes the image volume the service predicts on.
type DatasetParams struct {
	Name   string     `json:"name"`
	Scales [3]float64 `json:"scales"` // voxel size along z, y, x
	Shape  [4]int     `json:"shape"`  // t, z, y, x; zero when unknown
}

// FlowSpot is one spot submitted for optical-flow prediction.
type FlowSpot struct {
	ID         uint64        `json:"id"`
	Pos        geometry.Vec3 `json:"pos"`
	Covariance geometry.Cov3 `json:"covariance"`
}

// FlowRequest asks for the displacement of spots from Timepoint to
// Timepoint-1.
type FlowRequest struct {
	Timepoint int           `json:"timepoint"`
	Spots     []FlowSpot    `json:"spots"`
	Dataset   DatasetParams `json:"dataset"`
}

// FlowResult is the predicted position of one spot at the previous
// timepoint. SqDisp is the squared length of the displacement.
type FlowResult struct {
	ID         uint64        `json:"id"`
	Pos        geometry.Vec3 `json:"pos"`
	Covariance geometry.Cov3 `json:"covariance"`
	SqDisp     float64       `json:"sqdisp"`
}

// FlowResponse is the body of a successful flow request.
type FlowResponse struct {
	Spots []FlowResult `json:"spots"`
}

// ByID indexes the results by spot ID.
func (r FlowResponse) ByID() map[uint64]FlowResult {
	out := make(map[uint64]FlowResult, len(r.Spots))
	for _, s := range r.Spots {
		out[s.ID] = s
	}
	return out
}

// DetectionRequest asks for candidate detections near Pos at Timepoint,
// restricted to CropBox.
type DetectionRequest struct {
	Pos        geometry.Vec3 `json:"pos"`
	Covariance geometry.Cov3 `json:"covariance"`
	Timepoint  int           `json:"timepoint"`
	CropBox    geometry.Box  `json:"crop_box"`
	Dataset    DatasetParams `json:"dataset"`
}

// Detection is one ellipsoid returned by the detection endpoint.
type Detection struct {
	Pos        geometry.Vec3 `json:"pos"`
	Covariance geometry.Cov3 `json:"covariance"`
	T          int           `json:"t"`
}

// DetectionResponse is the body of a successful detection request.
type DetectionResponse struct {
	Completed bool        `json:"completed"`
	Spots     []Detection `json:"spots"`
}
