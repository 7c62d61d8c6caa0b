package value

import (
	"fmt"

	"github.com/tsarna/go2cty2go"
	"github.com/zclconf/go-cty/cty"
)

// FromCty converts an HCL value. Object attributes come out sorted by name
// and whole numbers become Int.
func FromCty(v cty.Value) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}
	if !v.IsWhollyKnown() {
		return Value{}, fmt.Errorf("%w: value is not known", ErrTypeMismatch)
	}
	x, err := go2cty2go.CtyToAny(v)
	if err != nil {
		return Value{}, err
	}
	return FromAny(x)
}

// ToCty converts v for use in HCL expressions. Bytes become base64 strings.
func ToCty(v Value) (cty.Value, error) {
	return go2cty2go.AnyToCty(ToAny(v))
}
