package memory

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/colorfulnotion/ebpfvm/vmerrors"
	"golang.org/x/exp/slices"
)

var ErrRegionOverlap = errors.New("memory regions overlap")

// AccessKind is the direction of a memory access.
type AccessKind uint8

const (
	Load AccessKind = iota
	Store
)

func (k AccessKind) String() string {
	if k == Store {
		return "store"
	}
	return "load"
}

// Permission is a bit set of region permissions.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExec
)

func (p Permission) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

func (p Permission) allows(kind AccessKind) bool {
	if kind == Store {
		return p&PermWrite != 0
	}
	return p&PermRead != 0
}

// Region is a host buffer mapped at VMAddr.
type Region struct {
	Name   string
	Host   []byte
	VMAddr uint64
	Perm   Permission
}

func NewRegion(name string, host []byte, vmAddr uint64, perm Permission) Region {
	return Region{Name: name, Host: host, VMAddr: vmAddr, Perm: perm}
}

func (r Region) Len() uint64 {
	return uint64(len(r.Host))
}

// End is one past the last mapped address.
func (r Region) End() uint64 {
	return r.VMAddr + r.Len()
}

// AccessViolation is returned by Translate for any access that is not fully
// inside one region with the right permission.
type AccessViolation struct {
	Addr   uint64
	Len    uint64
	Kind   AccessKind
	Region string // empty when the address is unmapped
}

func (e *AccessViolation) Error() string {
	if e.Region == "" {
		return fmt.Sprintf("access violation: %s of %d bytes at 0x%x (unmapped)", e.Kind, e.Len, e.Addr)
	}
	return fmt.Sprintf("access violation: %s of %d bytes at 0x%x (%s region)", e.Kind, e.Len, e.Addr, e.Region)
}

func (e *AccessViolation) Unwrap() error { return vmerrors.ErrAccessViolation }

// MemoryMapping is the set of regions a program may touch, sorted by VMAddr.
type MemoryMapping struct {
	regions []Region
}

// NewMemoryMapping sorts regions and rejects overlaps. Zero-length regions
// can never satisfy an access and are left out, so an empty buffer never
// shadows another region mapped at the same address.
func NewMemoryMapping(regions ...Region) (*MemoryMapping, error) {
	sorted := make([]Region, 0, len(regions))
	for _, r := range regions {
		if r.Len() > 0 {
			sorted = append(sorted, r)
		}
	}
	slices.SortFunc(sorted, func(a, b Region) int {
		return cmp.Compare(a.VMAddr, b.VMAddr)
	})
	for i, r := range sorted {
		if r.End() < r.VMAddr {
			return nil, fmt.Errorf("%w: region %s wraps the address space", ErrRegionOverlap, r.Name)
		}
		if i > 0 && sorted[i-1].End() > r.VMAddr {
			return nil, fmt.Errorf("%w: %s [0x%x, 0x%x) and %s [0x%x, 0x%x)", ErrRegionOverlap,
				sorted[i-1].Name, sorted[i-1].VMAddr, sorted[i-1].End(), r.Name, r.VMAddr, r.End())
		}
	}
	return &MemoryMapping{regions: sorted}, nil
}

// Regions returns the sorted regions. Callers must not modify the result.
func (m *MemoryMapping) Regions() []Region {
	return m.regions
}

// Find returns the region whose range contains addr.
func (m *MemoryMapping) Find(addr uint64) (Region, bool) {
	i, found := slices.BinarySearchFunc(m.regions, addr, func(r Region, a uint64) int {
		return cmp.Compare(r.VMAddr, a)
	})
	if !found {
		i--
	}
	if i < 0 {
		return Region{}, false
	}
	return m.regions[i], true
}

// Translate resolves [addr, addr+length) to host memory.
func (m *MemoryMapping) Translate(addr, length uint64, kind AccessKind) ([]byte, error) {
	r, ok := m.Find(addr)
	if !ok {
		return nil, &AccessViolation{Addr: addr, Len: length, Kind: kind}
	}
	off := addr - r.VMAddr
	if off >= r.Len() || length > r.Len()-off || !r.Perm.allows(kind) {
		name := r.Name
		if off >= r.Len() {
			name = ""
		}
		return nil, &AccessViolation{Addr: addr, Len: length, Kind: kind, Region: name}
	}
	return r.Host[off : off+length : off+length], nil
}

// Load reads a little-endian value of size 1, 2, 4 or 8 bytes.
func (m *MemoryMapping) Load(addr uint64, size int) (uint64, error) {
	b, err := m.Translate(addr, uint64(size), Load)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	default:
		return binary.LittleEndian.Uint64(b), nil
	}
}

// Store writes the low size bytes of v little-endian.
func (m *MemoryMapping) Store(addr uint64, size int, v uint64) error {
	b, err := m.Translate(addr, uint64(size), Store)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
	return nil
}

// ReadBytes copies n bytes starting at addr.
func (m *MemoryMapping) ReadBytes(addr, n uint64) ([]byte, error) {
	b, err := m.Translate(addr, n, Load)
	if err != nil {
		return nil, err
	}
	return slices.Clone(b), nil
}

// WriteBytes copies data to addr.
func (m *MemoryMapping) WriteBytes(addr uint64, data []byte) error {
	b, err := m.Translate(addr, uint64(len(data)), Store)
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}
