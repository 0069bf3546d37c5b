package protocol

// SequenceGreaterThan compares 16-bit sequence numbers across wrap-around:
// a is newer than b when it is ahead by less than half the sequence space.
func SequenceGreaterThan(a, b uint16) bool {
	return (a > b && a-b <= 0x8000) || (a < b && b-a > 0x8000)
}

// SequenceDiff returns a-b as a signed distance in the wrap-around space.
func SequenceDiff(a, b uint16) int {
	return int(int16(a - b))
}
