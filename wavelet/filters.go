// Package wavelet implements the undecimated (stationary) 2D wavelet
// transform and the per-level synthesis used to build injection maps.
package wavelet

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Basis is a pair of decomposition filters.
type Basis struct {
	Name string
	Lo   []float64
	Hi   []float64
}

// Len returns the filter length.
func (b Basis) Len() int { return len(b.Lo) }

var (
	haarLo = []float64{0.7071067811865476, 0.7071067811865476}

	db2Lo = []float64{
		-0.12940952255126037, 0.2241438680420134,
		0.8365163037378079, 0.48296291314453416,
	}

	db3Lo = []float64{
		0.03522629188570953, -0.08544127388202666, -0.13501102001025458,
		0.45987750211849154, 0.8068915093110925, 0.33267055295008263,
	}

	bior35Lo = []float64{
		-0.013810679320049757, 0.04143203796014927, 0.052480581416189075,
		-0.26792717880896527, -0.07181553246425874, 0.966747552403483,
		0.966747552403483, -0.07181553246425874, -0.26792717880896527,
		0.052480581416189075, 0.04143203796014927, -0.013810679320049757,
	}
	bior35Hi = []float64{
		0, 0, 0, 0,
		-0.1767766952966369, 0.5303300858899107,
		-0.5303300858899107, 0.1767766952966369,
		0, 0, 0, 0,
	}

	rbio35Lo = []float64{
		0, 0, 0, 0,
		0.1767766952966369, 0.5303300858899107,
		0.5303300858899107, 0.1767766952966369,
		0, 0, 0, 0,
	}
	rbio35Hi = []float64{
		0.013810679320049757, 0.04143203796014927, -0.052480581416189075,
		-0.26792717880896527, 0.07181553246425874, 0.966747552403483,
		-0.966747552403483, -0.07181553246425874, 0.26792717880896527,
		0.052480581416189075, -0.04143203796014927, -0.013810679320049757,
	}
)

// quadratureMirror derives the high-pass decomposition filter of an
// orthogonal wavelet: hi[k] = (-1)^(k+1) lo[N-1-k].
func quadratureMirror(lo []float64) []float64 {
	n := len(lo)
	hi := make([]float64, n)
	for k := range hi {
		hi[k] = lo[n-1-k]
		if k%2 == 0 {
			hi[k] = -hi[k]
		}
	}
	return hi
}

func orthogonal(name string, lo []float64) Basis {
	return Basis{Name: name, Lo: lo, Hi: quadratureMirror(lo)}
}

var registry = map[string]Basis{
	"haar":    orthogonal("haar", haarLo),
	"db1":     orthogonal("db1", haarLo),
	"db2":     orthogonal("db2", db2Lo),
	"sym2":    orthogonal("sym2", db2Lo),
	"db3":     orthogonal("db3", db3Lo),
	"bior3.5": {Name: "bior3.5", Lo: bior35Lo, Hi: bior35Hi},
	"rbio3.5": {Name: "rbio3.5", Lo: rbio35Lo, Hi: rbio35Hi},
}

// DefaultBasis is the basis used when none is configured.
const DefaultBasis = "rbio3.5"

// Lookup returns the named basis. Names are case-insensitive.
func Lookup(name string) (Basis, error) {
	b, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Basis{}, errors.Errorf("unknown wavelet %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return b, nil
}

// Names lists the registered bases in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
