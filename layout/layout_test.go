package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gstoredb/gstore/schema"
	"github.com/gstoredb/gstore/types"
)

func testConfig(t *testing.T) Config {
	return Config{
		Path:      filepath.Join(t.TempDir(), "base"),
		TableName: "events",
		Capacity:  16,
		Schema: schema.Schema{Columns: []schema.Column{
			{Name: "id", Kind: schema.KindFixed, Size: 8},
			{Name: "payload", Kind: schema.KindVarlena, Nullable: true},
		}},
		PrimaryKey: 0,
	}
}

func TestCreateAndReopen(t *testing.T) {
	requireT := require.New(t)
	cfg := testConfig(t)

	l, clean, err := Open(cfg)
	requireT.NoError(err)
	requireT.True(clean)

	requireT.NoError(l.Store(3, 0, types.Value{Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}))
	requireT.NoError(l.Store(3, 1, types.Value{Data: []byte("hello")}))
	requireT.NoError(l.Store(4, 1, types.Null()))
	*l.SysAttr(3) = types.SysAttr{Xmin: 10, Cid: 1}
	l.BumpNItems(3)
	requireT.NoError(l.Close())

	l, clean, err = Open(cfg)
	requireT.NoError(err)
	requireT.True(clean)
	defer func() {
		requireT.NoError(l.Close())
	}()

	v, err := l.Fetch(3, 0)
	requireT.NoError(err)
	requireT.Equal([]byte{1, 2, 3, 4, 5, 6, 7, 8}, v.Data)

	v, err = l.Fetch(3, 1)
	requireT.NoError(err)
	requireT.Equal([]byte("hello"), v.Data)

	v, err = l.Fetch(4, 1)
	requireT.NoError(err)
	requireT.True(v.Null)

	requireT.Equal(types.SysAttr{Xmin: 10, Cid: 1}, *l.SysAttr(3))
	requireT.Equal(uint32(4), l.NItems())
}

func TestMappedSignatureWhileOpen(t *testing.T) {
	requireT := require.New(t)
	cfg := testConfig(t)

	l, _, err := Open(cfg)
	requireT.NoError(err)

	// The on-disk signature carries the mapped variant for as long as the
	// file is open, so a crash leaves evidence behind.
	data, err := os.ReadFile(cfg.Path)
	requireT.NoError(err)
	requireT.Equal(types.BaseMappedSignature[:], data[:8])

	requireT.NoError(l.Close())

	data, err = os.ReadFile(cfg.Path)
	requireT.NoError(err)
	requireT.Equal(types.BaseSignature[:], data[:8])
}

func TestTornFileDetected(t *testing.T) {
	requireT := require.New(t)
	cfg := testConfig(t)

	l, _, err := Open(cfg)
	requireT.NoError(err)
	requireT.NoError(l.Close())

	// Simulate a crash: the mapped signature survives in the file.
	f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0o600)
	requireT.NoError(err)
	_, err = f.WriteAt(types.BaseMappedSignature[:], 0)
	requireT.NoError(err)
	requireT.NoError(f.Close())

	l, clean, err := Open(cfg)
	requireT.NoError(err)
	requireT.False(clean)

	// Until recovery is declared complete, closing keeps the torn marker.
	requireT.NoError(l.Close())
	l, clean, err = Open(cfg)
	requireT.NoError(err)
	requireT.False(clean)

	l.MarkRecovered()
	requireT.NoError(l.Close())

	l, clean, err = Open(cfg)
	requireT.NoError(err)
	requireT.True(clean)
	requireT.NoError(l.Close())
}

func TestSchemaMismatchRejected(t *testing.T) {
	requireT := require.New(t)
	cfg := testConfig(t)

	l, _, err := Open(cfg)
	requireT.NoError(err)
	requireT.NoError(l.Close())

	other := cfg
	other.Schema = schema.Schema{Columns: []schema.Column{
		{Name: "id", Kind: schema.KindFixed, Size: 4},
		{Name: "payload", Kind: schema.KindVarlena, Nullable: true},
	}}
	_, _, err = Open(other)
	requireT.Error(err)

	bigger := cfg
	bigger.Capacity = 32
	_, _, err = Open(bigger)
	requireT.Error(err)
}

func TestWrongSignatureRejected(t *testing.T) {
	requireT := require.New(t)
	cfg := testConfig(t)

	l, _, err := Open(cfg)
	requireT.NoError(err)
	requireT.NoError(l.Close())

	f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0o600)
	requireT.NoError(err)
	_, err = f.WriteAt([]byte("garbage!"), 0)
	requireT.NoError(err)
	requireT.NoError(f.Close())

	_, _, err = Open(cfg)
	requireT.Error(err)
}

func TestGrowExtra(t *testing.T) {
	requireT := require.New(t)
	cfg := testConfig(t)

	l, _, err := Open(cfg)
	requireT.NoError(err)
	defer func() {
		requireT.NoError(l.Close())
	}()

	requireT.NoError(l.Store(0, 1, types.Value{Data: []byte("small")}))

	// The initial extra region of a 16-row store cannot hold this.
	big := make([]byte, 64<<10)
	for i := range big {
		big[i] = byte(i)
	}
	err = l.Store(1, 1, types.Value{Data: big})
	requireT.ErrorIs(err, ErrExtraExhausted)

	revision := l.Revision()
	requireT.NoError(l.GrowExtra(uint64(len(big))))
	requireT.Greater(l.Revision(), revision)

	requireT.NoError(l.Store(1, 1, types.Value{Data: big}))

	v, err := l.Fetch(1, 1)
	requireT.NoError(err)
	requireT.Equal(big, v.Data)

	// Values written before the growth survive the remap.
	v, err = l.Fetch(0, 1)
	requireT.NoError(err)
	requireT.Equal([]byte("small"), v.Data)
}

func TestNullHandling(t *testing.T) {
	requireT := require.New(t)
	cfg := testConfig(t)

	l, _, err := Open(cfg)
	requireT.NoError(err)
	defer func() {
		requireT.NoError(l.Close())
	}()

	requireT.Error(l.Store(0, 0, types.Null()))

	requireT.NoError(l.Store(0, 1, types.Value{Data: []byte("x")}))
	v, err := l.Fetch(0, 1)
	requireT.NoError(err)
	requireT.False(v.Null)

	requireT.NoError(l.Store(0, 1, types.Null()))
	v, err = l.Fetch(0, 1)
	requireT.NoError(err)
	requireT.True(v.Null)
}

func TestRowRegions(t *testing.T) {
	requireT := require.New(t)
	cfg := testConfig(t)

	l, _, err := Open(cfg)
	requireT.NoError(err)
	defer func() {
		requireT.NoError(l.Close())
	}()

	regions := l.RowRegions(5)
	// One fixed slot, one nullmap word, one varlena slot, the sysattr.
	requireT.Len(regions, 4)

	main := uint64(len(l.MainBytes()))
	var sawSysAttr bool
	for _, r := range regions {
		requireT.LessOrEqual(r.Offset+r.Length, main)
		if r.Length == types.SysAttrLength {
			sawSysAttr = true
		}
	}
	requireT.True(sawSysAttr)
}
