package hwio

// 8-bit operations
func GetBit8(v uint8, n uint) bool {
	return GetBiti8(v, n) != 0
}

func GetBiti8(v uint8, n uint) uint8 {
	return v >> (n) & 0x01
}

func FlipBit8(v *uint8, n uint) {
	*v ^= (1 << n)
}

// 32-bit operations
func GetBit32(v uint32, n uint) bool {
	return v>>n&0x01 != 0
}

func SetBit32(v *uint32, n uint) {
	*v |= (1 << n)
}

func ClearBit32(v *uint32, n uint) {
	*v &= ^(1 << n)
}

// Byte32 returns byte n (little-endian order) of v.
func Byte32(v uint32, n uint) uint8 {
	return uint8(v >> (8 * n))
}
