// Package geometry holds the 3-D primitives used to describe a spot: a
// centroid position and a 3×3 covariance matrix that together define an
// ellipsoid in image space.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// covarianceEpsilon is the tolerance used for symmetry and positive
// semi-definiteness checks. Eigenvalues above -covarianceEpsilon are
// treated as non-negative.
const covarianceEpsilon = 1e-9

// ErrNotSymmetric is returned when a covariance matrix is not symmetric.
var ErrNotSymmetric = errors.New("covariance is not symmetric")

// ErrNotPSD is returned when a covariance matrix has a negative eigenvalue.
var ErrNotPSD = errors.New("covariance is not positive semi-definite")

// Vec3 is a point or displacement in image space (x, y, z).
type Vec3 [3]float64

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }

// Scale returns v * s.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v[0] * s, v[1] * s, v[2] * s} }

// SquaredNorm returns |v|².
func (v Vec3) SquaredNorm() float64 { return v[0]*v[0] + v[1]*v[1] + v[2]*v[2] }

// SquaredDistance returns the squared Euclidean distance between a and b.
func SquaredDistance(a, b Vec3) float64 { return a.Sub(b).SquaredNorm() }

// Lerp linearly interpolates between a (w=0) and b (w=1).
func Lerp(a, b Vec3, w float64) Vec3 { return a.Add(b.Sub(a).Scale(w)) }

// Cov3 is a row-major 3×3 covariance matrix.
type Cov3 [9]float64

// Isotropic returns a diagonal covariance with the given radius on every axis.
func Isotropic(radius float64) Cov3 {
	r2 := radius * radius
	return Cov3{r2, 0, 0, 0, r2, 0, 0, 0, r2}
}

// DefaultCovariance is the covariance given to spots created without shape
// information.
var DefaultCovariance = Isotropic(3)

// At returns element (i, j).
func (c Cov3) At(i, j int) float64 { return c[i*3+j] }

// Symmetric reports whether c equals its transpose within tolerance.
func (c Cov3) Symmetric() bool {
	return math.Abs(c[1]-c[3]) <= covarianceEpsilon &&
		math.Abs(c[2]-c[6]) <= covarianceEpsilon &&
		math.Abs(c[5]-c[7]) <= covarianceEpsilon
}

// LerpCov interpolates two covariances element-wise. The result of mixing
// two PSD matrices with non-negative weights is PSD.
func LerpCov(a, b Cov3, w float64) Cov3 {
	var out Cov3
	for i := range out {
		out[i] = a[i] + (b[i]-a[i])*w
	}
	return out
}

// sym converts c to a gonum symmetric matrix using its upper triangle.
func (c Cov3) sym() *mat.SymDense {
	return mat.NewSymDense(3, []float64{
		c[0], c[1], c[2],
		c[1], c[4], c[5],
		c[2], c[5], c[8],
	})
}

// Eigen returns the eigenvalues of c in ascending order together with the
// matching unit eigenvectors.
func (c Cov3) Eigen() (values [3]float64, axes [3]Vec3, err error) {
	if !c.Symmetric() {
		return values, axes, ErrNotSymmetric
	}
	var es mat.EigenSym
	if ok := es.Factorize(c.sym(), true); !ok {
		return values, axes, fmt.Errorf("eigen decomposition failed for %v", c)
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	for i := 0; i < 3; i++ {
		values[i] = vals[i]
		axes[i] = Vec3{vecs.At(0, i), vecs.At(1, i), vecs.At(2, i)}
	}
	return values, axes, nil
}

// Validate checks that c is symmetric and positive semi-definite.
func (c Cov3) Validate() error {
	values, _, err := c.Eigen()
	if err != nil {
		return err
	}
	if values[0] < -covarianceEpsilon {
		return fmt.Errorf("%w: smallest eigenvalue %g", ErrNotPSD, values[0])
	}
	return nil
}

// Box is an axis-aligned integer crop region, inclusive of Min and
// exclusive of Max.
type Box struct {
	Min [3]int `json:"min"`
	Max [3]int `json:"max"`
}

// CropAround returns the cube of the given half-size centred on p, clamped
// so no coordinate is negative.
func CropAround(p Vec3, halfSize int) Box {
	var b Box
	for i := 0; i < 3; i++ {
		c := int(math.Round(p[i]))
		b.Min[i] = max(c-halfSize, 0)
		b.Max[i] = max(c+halfSize+1, b.Min[i])
	}
	return b
}
