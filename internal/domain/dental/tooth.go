package dental

import (
	"strconv"
	"strings"
)

// ToothLocation identifies where on the dentition a clinical event applies. The zero
// value is the whole mouth.
type ToothLocation struct {
	Number   string `json:"tooth_number,omitempty"`
	Surface  string `json:"tooth_surface,omitempty"`
	Quadrant string `json:"tooth_quadrant,omitempty"`
}

// surfaceOrder is the canonical emission order of surface codes.
const surfaceOrder = "MODBLIFP"

var quadrantAliases = map[string]string{
	"1": "1", "UR": "1",
	"2": "2", "UL": "2",
	"3": "3", "LL": "3",
	"4": "4", "LR": "4",
	// primary dentition quadrants
	"5": "1", "6": "2", "7": "3", "8": "4",
}

// Normalize validates a free-form (tooth number, surface, quadrant) triple and
// returns its canonical form. It never consults anatomy master data.
func Normalize(number, surface, quadrant string) (ToothLocation, error) {
	number = strings.TrimSpace(number)
	surface = strings.TrimSpace(surface)
	quadrant = strings.ToUpper(strings.TrimSpace(quadrant))

	if number == "" {
		if surface != "" || quadrant != "" {
			return ToothLocation{}, invalid("tooth_number", "is required when surface or quadrant is given")
		}
		return ToothLocation{}, nil
	}

	toothQuadrant, err := quadrantOf(number)
	if err != nil {
		return ToothLocation{}, err
	}

	if quadrant != "" {
		q, ok := quadrantAliases[quadrant]
		if !ok {
			return ToothLocation{}, invalid("tooth_quadrant", "unknown quadrant %q", quadrant)
		}
		if q != toothQuadrant {
			return ToothLocation{}, invalid("tooth_quadrant", "quadrant %s does not contain tooth %s", quadrant, number)
		}
	}

	surfaces, err := normalizeSurface(surface)
	if err != nil {
		return ToothLocation{}, err
	}

	return ToothLocation{Number: number, Surface: surfaces, Quadrant: toothQuadrant}, nil
}

// MustNormalize is Normalize for literals known to be valid.
func MustNormalize(number, surface, quadrant string) ToothLocation {
	loc, err := Normalize(number, surface, quadrant)
	if err != nil {
		panic(err)
	}
	return loc
}

// Normalized re-runs Normalize over an existing location.
func (l ToothLocation) Normalized() (ToothLocation, error) {
	return Normalize(l.Number, l.Surface, l.Quadrant)
}

// IsWholeMouth reports whether the location names no tooth.
func (l ToothLocation) IsWholeMouth() bool {
	return l.Number == ""
}

// IsPrimary reports whether the tooth belongs to the primary dentition.
func (l ToothLocation) IsPrimary() bool {
	return len(l.Number) == 2 && l.Number[0] >= '5' && l.Number[0] <= '8'
}

func (l ToothLocation) String() string {
	if l.IsWholeMouth() {
		return "whole-mouth"
	}
	if l.Surface == "" {
		return l.Number
	}
	return l.Number + "-" + l.Surface
}

// quadrantOf returns the canonical quadrant (1-4) of an FDI tooth number.
func quadrantOf(number string) (string, error) {
	n, err := strconv.Atoi(number)
	if err != nil || len(number) != 2 {
		return "", invalid("tooth_number", "%q is not a two-digit FDI tooth number", number)
	}
	q, pos := n/10, n%10
	switch {
	case q >= 1 && q <= 4 && pos >= 1 && pos <= 8:
		return strconv.Itoa(q), nil
	case q >= 5 && q <= 8 && pos >= 1 && pos <= 5:
		return strconv.Itoa(q - 4), nil
	}
	return "", invalid("tooth_number", "%q is outside the FDI tooth ranges", number)
}

func normalizeSurface(surface string) (string, error) {
	if surface == "" {
		return "", nil
	}
	var seen [len(surfaceOrder)]bool
	for _, r := range strings.ToUpper(surface) {
		switch r {
		case ' ', ',', '/', '-', '+':
			continue
		}
		i := strings.IndexRune(surfaceOrder, r)
		if i < 0 {
			return "", invalid("tooth_surface", "unknown surface code %q", string(r))
		}
		seen[i] = true
	}
	var b strings.Builder
	for i, ok := range seen {
		if ok {
			b.WriteByte(surfaceOrder[i])
		}
	}
	return b.String(), nil
}
