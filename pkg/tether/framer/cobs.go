package framer

import "errors"

var errCOBS = errors.New("invalid COBS encoding")

// cobsEncode appends the consistent-overhead byte stuffing of src to dst.
// The output contains no zero bytes.
func cobsEncode(dst, src []byte) []byte {
	codeIdx := len(dst)
	dst = append(dst, 0)
	code := byte(1)
	for _, b := range src {
		if b == 0 {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}
		dst = append(dst, b)
		code++
		if code == 0xff {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}
	dst[codeIdx] = code
	return dst
}

// cobsDecode appends the unstuffed form of src to dst.
func cobsDecode(dst, src []byte) ([]byte, error) {
	for i := 0; i < len(src); {
		code := int(src[i])
		if code == 0 {
			return dst, errCOBS
		}
		i++
		end := i + code - 1
		if end > len(src) {
			return dst, errCOBS
		}
		for _, b := range src[i:end] {
			if b == 0 {
				return dst, errCOBS
			}
		}
		dst = append(dst, src[i:end]...)
		i = end
		if code < 0xff && i < len(src) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}

// maxEncodedLen bounds the stuffed length of an n-byte input.
func maxEncodedLen(n int) int {
	return n + n/254 + 1
}
