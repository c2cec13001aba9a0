package demprofile

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/twpayne/go-proj/v10"
)

var (
	errNotCRS           = errors.New("not a coordinate reference system")
	errNotTransformable = errors.New("point cannot be transformed")
)

// ProjGeodesy is a Geodesy backed by PROJ.
type ProjGeodesy struct{}

// A ProjCRS is a CRS resolved by PROJ.
type ProjCRS struct {
	definition string
	pj         *proj.PJ
}

// A ProjTransform is a Transform backed by PROJ. Points are in traditional GIS
// order, i.e. longitude before latitude, whatever the CRS's axis order.
type ProjTransform struct {
	pj *proj.PJ
}

// ResolveCRS resolves definition, which may be anything PROJ accepts, for
// example an authority code, WKT, or PROJJSON.
func (ProjGeodesy) ResolveCRS(definition string) (CRS, error) {
	definition = strings.TrimSpace(definition)
	if definition == "" {
		return nil, errNotCRS
	}
	pj, err := proj.New(definition)
	if err != nil {
		return nil, err
	}
	if !pj.IsCRS() {
		pj.Destroy()
		return nil, fmt.Errorf("%s: %w", definition, errNotCRS)
	}
	return &ProjCRS{
		definition: definition,
		pj:         pj,
	}, nil
}

// NewTransform returns a new Transform from source to target. Both must have
// been resolved by ProjGeodesy.
func (ProjGeodesy) NewTransform(source, target CRS) (Transform, error) {
	pj, err := proj.NewCRSToCRS(source.Definition(), target.Definition(), nil)
	if err != nil {
		return nil, err
	}
	normalizedPJ, err := pj.NormalizeForVisualization()
	pj.Destroy()
	if err != nil {
		return nil, err
	}
	return &ProjTransform{
		pj: normalizedPJ,
	}, nil
}

// Definition returns c's definition.
func (c *ProjCRS) Definition() string {
	return c.definition
}

// equalityTestPoints are transformed to decide whether two CRSs are equal. A
// real change of CRS moves at least one of them.
var equalityTestPoints = []Point{
	{X: 10, Y: 52},
	{X: -70.5, Y: -33.25},
	{X: 4321000, Y: 3210000},
}

// Equal returns whether c and other describe equivalent CRSs, ignoring the
// axis order of geographic CRSs. CRSs are equivalent if their definitions
// match or if the operation between them, in longitude-latitude order, leaves
// points unchanged.
func (c *ProjCRS) Equal(other CRS) bool {
	otherProjCRS, ok := other.(*ProjCRS)
	if !ok {
		return false
	}
	if strings.EqualFold(c.definition, otherProjCRS.definition) {
		return true
	}

	pj, err := proj.NewCRSToCRSFromPJ(c.pj, otherProjCRS.pj, nil, "")
	if err != nil {
		return false
	}
	defer pj.Destroy()
	normalizedPJ, err := pj.NormalizeForVisualization()
	if err != nil {
		return false
	}
	defer normalizedPJ.Destroy()

	unchanged := 0
	for _, p := range equalityTestPoints {
		coord, err := normalizedPJ.Forward(proj.NewCoord(p.X, p.Y, 0, 0))
		if err != nil {
			continue
		}
		if !sameCoordinate(p.X, coord.X()) || !sameCoordinate(p.Y, coord.Y()) {
			return false
		}
		unchanged++
	}
	return unchanged >= 2
}

// sameCoordinate returns whether a and b differ only by floating point noise.
func sameCoordinate(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*max(1, math.Abs(a))
}

func (c *ProjCRS) Close() {
	c.pj.Destroy()
}

// Forward transforms p.
func (t *ProjTransform) Forward(p Point) (Point, error) {
	coord, err := t.pj.Forward(proj.NewCoord(p.X, p.Y, 0, 0))
	if err != nil {
		return Point{}, err
	}
	x, y := coord.X(), coord.Y()
	if math.IsInf(x, 0) || math.IsInf(y, 0) || math.IsNaN(x) || math.IsNaN(y) {
		return Point{}, fmt.Errorf("%v: %w", p, errNotTransformable)
	}
	return Point{X: x, Y: y}, nil
}

func (t *ProjTransform) Close() {
	t.pj.Destroy()
}
