package memory

import (
	"errors"
	"testing"

	"github.com/colorfulnotion/ebpfvm/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMapping(t *testing.T) *MemoryMapping {
	t.Helper()
	m, err := NewMemoryMapping(
		NewRegion("input", make([]byte, 16), 0x4_0000_0000, PermRead|PermWrite),
		NewRegion("program", []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0x1_0000_0000, PermRead|PermExec),
		NewRegion("stack", make([]byte, 32), 0x2_0000_0000, PermRead|PermWrite),
	)
	require.NoError(t, err)
	return m
}

func requireViolation(t *testing.T, err error, addr, length uint64, kind AccessKind) *AccessViolation {
	t.Helper()
	require.ErrorIs(t, err, vmerrors.ErrAccessViolation)
	var av *AccessViolation
	require.True(t, errors.As(err, &av))
	assert.Equal(t, addr, av.Addr)
	assert.Equal(t, length, av.Len)
	assert.Equal(t, kind, av.Kind)
	return av
}

func TestRegionsSorted(t *testing.T) {
	m := newTestMapping(t)
	regions := m.Regions()
	require.Len(t, regions, 3)
	assert.Equal(t, "program", regions[0].Name)
	assert.Equal(t, "stack", regions[1].Name)
	assert.Equal(t, "input", regions[2].Name)
}

func TestTranslateInBounds(t *testing.T) {
	m := newTestMapping(t)

	b, err := m.Translate(0x1_0000_0004, 4, Load)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8}, b)

	require.NoError(t, m.Store(0x4_0000_0008, 8, 0x0102030405060708))
	v, err := m.Load(0x4_0000_0008, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v)

	v, err = m.Load(0x4_0000_0008, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x08), v)

	v, err = m.Load(0x4_0000_0008, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0708), v)
}

func TestTranslateViolations(t *testing.T) {
	m := newTestMapping(t)

	// crosses the end of the region
	_, err := m.Translate(0x4_0000_000c, 8, Load)
	av := requireViolation(t, err, 0x4_0000_000c, 8, Load)
	assert.Equal(t, "input", av.Region)

	// gap after the program region
	_, err = m.Translate(0x1_0000_0008, 1, Load)
	av = requireViolation(t, err, 0x1_0000_0008, 1, Load)
	assert.Equal(t, "", av.Region)

	// below every region
	_, err = m.Translate(0x10, 1, Load)
	requireViolation(t, err, 0x10, 1, Load)

	// read-only program region
	err = m.Store(0x1_0000_0000, 1, 0)
	av = requireViolation(t, err, 0x1_0000_0000, 1, Store)
	assert.Equal(t, "program", av.Region)

	// length overflow
	_, err = m.Translate(0x2_0000_0008, ^uint64(0), Load)
	requireViolation(t, err, 0x2_0000_0008, ^uint64(0), Load)
}

func TestZeroLengthRegion(t *testing.T) {
	m, err := NewMemoryMapping(NewRegion("input", nil, 0x4_0000_0000, PermRead|PermWrite))
	require.NoError(t, err)
	_, err = m.Load(0x4_0000_0000, 1)
	requireViolation(t, err, 0x4_0000_0000, 1, Load)
}

func TestZeroLengthRegionDoesNotShadow(t *testing.T) {
	data := NewRegion("extra", []byte{1, 0, 0, 0, 2, 0, 0, 0}, 0x4_0000_0000, PermRead|PermWrite)
	empty := NewRegion("input", nil, 0x4_0000_0000, PermRead|PermWrite)
	for name, regions := range map[string][]Region{
		"empty first": {empty, data},
		"empty last":  {data, empty},
	} {
		t.Run(name, func(t *testing.T) {
			m, err := NewMemoryMapping(regions...)
			require.NoError(t, err)
			require.Len(t, m.Regions(), 1)
			assert.Equal(t, "extra", m.Regions()[0].Name)

			v, err := m.Load(0x4_0000_0000, 4)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), v)
			v, err = m.Load(0x4_0000_0004, 4)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), v)
		})
	}
}

func TestOverlapRejected(t *testing.T) {
	_, err := NewMemoryMapping(
		NewRegion("a", make([]byte, 16), 0x1000, PermRead),
		NewRegion("b", make([]byte, 16), 0x1008, PermRead),
	)
	assert.ErrorIs(t, err, ErrRegionOverlap)

	_, err = NewMemoryMapping(NewRegion("wrap", make([]byte, 16), ^uint64(0)-4, PermRead))
	assert.ErrorIs(t, err, ErrRegionOverlap)

	_, err = NewMemoryMapping(
		NewRegion("a", make([]byte, 16), 0x1000, PermRead),
		NewRegion("b", make([]byte, 16), 0x1010, PermRead),
	)
	assert.NoError(t, err)
}

func TestReadWriteBytes(t *testing.T) {
	m := newTestMapping(t)
	require.NoError(t, m.WriteBytes(0x2_0000_0000, []byte("hello")))
	got, err := m.ReadBytes(0x2_0000_0000, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got[0] = 'j'
	again, err := m.ReadBytes(0x2_0000_0000, 1)
	require.NoError(t, err)
	assert.Equal(t, "h", string(again))
}

func TestPermissionString(t *testing.T) {
	assert.Equal(t, "r-x", (PermRead | PermExec).String())
	assert.Equal(t, "rw-", (PermRead | PermWrite).String())
}
