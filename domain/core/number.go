package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// JSONFloat is a float64 that survives JSON round-trips when non-finite.
// encoding/json rejects NaN and infinities outright; domain results carry
// both legitimately (missing p-values on untested rows, infinite prior
// degrees of freedom), so those fields use this type. NaN encodes as null,
// infinities encode as the strings "+Inf" and "-Inf".
type JSONFloat float64

// Float returns the underlying float64
func (f JSONFloat) Float() float64 { return float64(f) }

// IsNaN reports whether the value is NaN
func (f JSONFloat) IsNaN() bool { return math.IsNaN(float64(f)) }

// IsInf reports whether the value is infinite
func (f JSONFloat) IsInf() bool { return math.IsInf(float64(f), 0) }

// MarshalJSON implements json.Marshaler
func (f JSONFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte("null"), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	default:
		return json.Marshal(v)
	}
}

// UnmarshalJSON implements json.Unmarshaler
func (f *JSONFloat) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*f = JSONFloat(math.NaN())
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		switch s {
		case "+Inf", "Inf":
			*f = JSONFloat(math.Inf(1))
		case "-Inf":
			*f = JSONFloat(math.Inf(-1))
		case "NaN":
			*f = JSONFloat(math.NaN())
		default:
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("cannot parse %q as float", s)
			}
			*f = JSONFloat(v)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	*f = JSONFloat(v)
	return nil
}
