package assembly

var complement = func() (t [256]byte) {
	for i := range t {
		t[i] = byte(i)
	}
	for _, p := range [...][2]byte{{'A', 'T'}, {'C', 'G'}, {'a', 't'}, {'c', 'g'}} {
		t[p[0]], t[p[1]] = p[1], p[0]
	}
	return t
}()

// AppendReverseComplement appends the reverse complement of src to dst.
// Bytes other than ACGT (either case) are copied unchanged.
func AppendReverseComplement(dst, src []byte) []byte {
	for i := len(src) - 1; i >= 0; i-- {
		dst = append(dst, complement[src[i]])
	}
	return dst
}

// ReverseComplement returns the reverse complement of seq.
func ReverseComplement(seq []byte) []byte {
	return AppendReverseComplement(make([]byte, 0, len(seq)), seq)
}
