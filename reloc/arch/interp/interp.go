// Package interp is a code generator whose units are interpreted rather than executed. It lets
// the relocator run hosted, and lets tests replay a relocation program against simulated
// physical memory.
package interp

import (
	"encoding/binary"

	"github.com/bootforge/relocator/memutils"
	"github.com/bootforge/relocator/reloc/arch"
	"github.com/cockroachdb/errors"
)

const (
	OpBackward byte = 0x01
	OpForward  byte = 0x02
	OpJump     byte = 0x03

	CopyUnitSize uint64 = 32
	JumpUnitSize uint64 = 16
	Alignment    uint64 = 16
)

// Unit layout: opcode in byte 0, then little-endian 64-bit operands at offsets 8, 16 and 24.
// A jump unit carries only the entry address at offset 8.
const (
	srcOffset = 8
	dstOffset = 16
	lenOffset = 24
)

// Range is an address range passed to SyncCaches
type Range struct {
	Start uint64
	End   uint64
}

// Generator implements arch.CodeGenerator. It records every cache sync it is asked for.
type Generator struct {
	synced []Range
}

var _ arch.CodeGenerator = &Generator{}

func (g *Generator) BackwardUnitSize() uint64 { return CopyUnitSize }
func (g *Generator) ForwardUnitSize() uint64  { return CopyUnitSize }
func (g *Generator) JumpUnitSize() uint64     { return JumpUnitSize }
func (g *Generator) Alignment() uint64        { return Alignment }

func patchCopy(unit []byte, op byte, src, dst, length uint64) {
	unit[0] = op
	binary.LittleEndian.PutUint64(unit[srcOffset:], src)
	binary.LittleEndian.PutUint64(unit[dstOffset:], dst)
	binary.LittleEndian.PutUint64(unit[lenOffset:], length)
}

func (g *Generator) PatchBackward(unit []byte, src, dst, length uint64) {
	patchCopy(unit, OpBackward, src, dst, length)
}

func (g *Generator) PatchForward(unit []byte, src, dst, length uint64) {
	patchCopy(unit, OpForward, src, dst, length)
}

func (g *Generator) PatchJump(unit []byte, entry uint64) {
	unit[0] = OpJump
	binary.LittleEndian.PutUint64(unit[srcOffset:], entry)
}

func (g *Generator) SyncCaches(addr, length uint64) {
	g.synced = append(g.synced, Range{Start: addr, End: addr + length})
}

// Synced returns the ranges passed to SyncCaches, in call order
func (g *Generator) Synced() []Range {
	return g.synced
}

// Run interprets a relocation program against physical memory and returns the entry address of
// its jump unit. Copies move one byte at a time in the unit's direction, so a unit with the wrong
// direction for an overlapping move corrupts the data exactly as machine code would.
func Run(code []byte, mem memutils.PhysicalMemory) (uint64, error) {
	var b [1]byte
	copyByte := func(src, dst uint64) error {
		if _, err := mem.ReadAt(b[:], int64(src)); err != nil {
			return err
		}
		_, err := mem.WriteAt(b[:], int64(dst))
		return err
	}

	offset := uint64(0)
	for offset < uint64(len(code)) {
		unit := code[offset:]

		switch unit[0] {
		case OpBackward, OpForward:
			if uint64(len(unit)) < CopyUnitSize {
				return 0, errors.Newf("truncated copy unit at offset %d", offset)
			}

			src := binary.LittleEndian.Uint64(unit[srcOffset:])
			dst := binary.LittleEndian.Uint64(unit[dstOffset:])
			length := binary.LittleEndian.Uint64(unit[lenOffset:])

			for i := uint64(0); i < length; i++ {
				index := i
				if unit[0] == OpBackward {
					index = length - 1 - i
				}
				if err := copyByte(src+index, dst+index); err != nil {
					return 0, errors.Wrapf(err, "copy unit at offset %d", offset)
				}
			}
			offset += CopyUnitSize

		case OpJump:
			if uint64(len(unit)) < JumpUnitSize {
				return 0, errors.Newf("truncated jump unit at offset %d", offset)
			}
			return binary.LittleEndian.Uint64(unit[srcOffset:]), nil

		default:
			return 0, errors.Newf("unknown opcode %#x at offset %d", unit[0], offset)
		}
	}

	return 0, errors.New("relocation program has no jump unit")
}
