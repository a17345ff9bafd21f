package types

// PackCtrl encodes the request type and vector counts of a call into the
// control word of the four-word veneer convention.
func PackCtrl(typ int32, inLen, outLen uint8) uint32 {
	return uint32(uint16(int16(typ)))<<16 | uint32(inLen)<<8 | uint32(outLen)
}

// UnpackCtrl is the inverse of PackCtrl.
func UnpackCtrl(ctrl uint32) (typ int32, inLen, outLen uint8) {
	typ = int32(int16(uint16(ctrl >> 16)))
	inLen = uint8(ctrl >> 8)
	outLen = uint8(ctrl)

	return
}
