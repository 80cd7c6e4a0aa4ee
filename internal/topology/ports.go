package topology

import "fmt"

// PortBlock is the range of ports reserved for one case.
type PortBlock struct {
	Host string `json:"host"`
	Base int    `json:"base"`
	Size int    `json:"size"`
}

// Ports lists every port of the block in ascending order.
func (b PortBlock) Ports() []int {
	out := make([]int, b.Size)
	for i := range out {
		out[i] = b.Base + i
	}
	return out
}

// Contains reports whether port is inside the block.
func (b PortBlock) Contains(port int) bool {
	return port >= b.Base && port < b.Base+b.Size
}

// Overlaps reports whether two blocks share a port.
func (b PortBlock) Overlaps(other PortBlock) bool {
	return b.Base < other.Base+other.Size && other.Base < b.Base+b.Size
}

// PortAllocator hands out deterministic, non-overlapping port blocks.
// Block i always starts at base + i*stride, so a case keeps its ports
// whether the suite runs sequentially or in parallel.
type PortAllocator struct {
	host   string
	base   int
	stride int
}

// NewPortAllocator creates an allocator.
func NewPortAllocator(host string, base, stride int) PortAllocator {
	return PortAllocator{host: host, base: base, stride: stride}
}

// Block returns the block of the case at index.
func (a PortAllocator) Block(index int) (PortBlock, error) {
	if index < 0 {
		return PortBlock{}, fmt.Errorf("negative port block index %d", index)
	}
	if a.stride < 1 {
		return PortBlock{}, fmt.Errorf("port stride must be positive")
	}
	b := PortBlock{Host: a.host, Base: a.base + index*a.stride, Size: a.stride}
	if b.Base < 1 || b.Base+b.Size-1 > 65535 {
		return PortBlock{}, fmt.Errorf("port block %d (%d-%d) is outside 1-65535", index, b.Base, b.Base+b.Size-1)
	}
	return b, nil
}
