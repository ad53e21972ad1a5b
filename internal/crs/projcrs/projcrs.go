// Package projcrs implements crs.Factory on top of PROJ via
// github.com/twpayne/go-proj. It requires cgo and a PROJ installation.
package projcrs

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-proj/v10"

	"gistools/internal/crs"
)

// Factory creates PROJ-backed transformers. The zero value is ready to use.
type Factory struct{}

// New returns a transformer from EPSG:from to EPSG:to with axis order
// normalized for visualization, so geographic CRSs are lon/lat.
func (Factory) New(from, to int) (crs.Transformer, error) {
	if from == to {
		return crs.Identity{}, nil
	}
	pj, err := proj.NewCRSToCRS(fmt.Sprintf("EPSG:%d", from), fmt.Sprintf("EPSG:%d", to), nil)
	if err != nil {
		return nil, fmt.Errorf("projcrs: EPSG:%d -> EPSG:%d: %w", from, to, err)
	}
	norm, err := pj.NormalizeForVisualization()
	pj.Destroy()
	if err != nil {
		return nil, fmt.Errorf("projcrs: normalize EPSG:%d -> EPSG:%d: %w", from, to, err)
	}
	return &Transformer{pj: norm, from: from, to: to}, nil
}

// Transformer wraps one PROJ transformation object. A PJ is not safe for
// concurrent use, so calls are serialized.
type Transformer struct {
	mu       sync.Mutex
	pj       *proj.PJ
	from, to int
}

func (t *Transformer) Transform(p orb.Point) (orb.Point, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out, err := t.pj.Forward(proj.NewCoord(p[0], p[1], 0, 0))
	if err != nil {
		return orb.Point{}, fmt.Errorf("projcrs: EPSG:%d -> EPSG:%d (%g, %g): %w", t.from, t.to, p[0], p[1], err)
	}
	return orb.Point{out.X(), out.Y()}, nil
}

// Close releases the PROJ object.
func (t *Transformer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pj != nil {
		t.pj.Destroy()
		t.pj = nil
	}
}

var _ crs.Factory = Factory{}
