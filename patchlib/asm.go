package patchlib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Nop is the x86 single byte no-op used to pad short displacements.
const Nop = 0x90

var ErrDisplacementTooLarge = errors.New("displacement too large")

// Displacement returns (target+targetAdjust) - (site+siteAdjust). The site
// adjustment is normally the distance from the start of the patched bytes to
// the end of the jump instruction, since x86 relative operands count from the
// next instruction.
func Displacement(site, target uint64, siteAdjust, targetAdjust int64) (int64, error) {
	disp := (int64(target) + targetAdjust) - (int64(site) + siteAdjust)
	if disp < math.MinInt32 || disp > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %#x does not fit in a rel32", ErrDisplacementTooLarge, disp)
	}
	return disp, nil
}

// EncodeDisplacement encodes a displacement as a rel8 if it fits in an int8,
// or as a little-endian rel32 otherwise.
func EncodeDisplacement(disp int64) []byte {
	if disp >= math.MinInt8 && disp <= math.MaxInt8 {
		return []byte{byte(int8(disp))}
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(int32(disp)))
	return b
}

// AsmRel assembles the relative operand of a jump from site to target and pads
// it with Nop bytes to size. It fails if the encoded operand is longer than
// size.
func AsmRel(site, target uint64, siteAdjust, targetAdjust int64, size int) ([]byte, error) {
	disp, err := Displacement(site, target, siteAdjust, targetAdjust)
	if err != nil {
		return nil, err
	}
	b := EncodeDisplacement(disp)
	if len(b) > size {
		return nil, fmt.Errorf("%w: %d needs %d bytes, only %d available", ErrDisplacementTooLarge, disp, len(b), size)
	}
	for len(b) < size {
		b = append(b, Nop)
	}
	return b, nil
}
