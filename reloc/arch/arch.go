// Package arch is the boundary between the relocator and the architecture-specific code that
// performs the final copies and jumps to the loaded kernel.
package arch

// CodeGenerator supplies fixed-size code templates for the relocation program. The relocator only
// knows their sizes and alignment: each unit is reserved in the program buffer and then patched in
// place.
type CodeGenerator interface {
	// BackwardUnitSize is the size of a unit that copies from the high end of a range to the low
	// end. It is used for chunks whose source is below their target.
	BackwardUnitSize() uint64
	// ForwardUnitSize is the size of a unit that copies from the low end of a range to the high
	// end. It is used for chunks whose source is above their target.
	ForwardUnitSize() uint64
	// JumpUnitSize is the size of the unit that ends the program
	JumpUnitSize() uint64
	// Alignment is the required alignment of the program's address
	Alignment() uint64

	PatchBackward(unit []byte, src, dst, length uint64)
	PatchForward(unit []byte, src, dst, length uint64)
	PatchJump(unit []byte, entry uint64)

	// SyncCaches makes data written to [addr, addr+length) visible to instruction fetch
	SyncCaches(addr, length uint64)
}
