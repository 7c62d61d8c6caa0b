package wire

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode keeps struct fields in declaration order so envelopes read
// dst, src, type, payload, and keeps float32 fields as single precision.
var encMode cbor.EncMode

// decMode decodes any-typed maps as map[string]any so decoded payloads
// interoperate with encoding/json and gojq.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortNone,
		ShortestFloat: cbor.ShortestFloatNone,
		IndefLength:   cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 64,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Diagnose renders CBOR diagnostic notation for data, or for a text
// envelope, its JSON unchanged.
func Diagnose(data []byte) (string, error) {
	if DetectCodec(data) == Text {
		return string(data), nil
	}
	return cbor.Diagnose(data)
}
