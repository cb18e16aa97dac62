package catalog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSegment builds a segment file with the recorder's layout: a 4-byte
// little-endian record count, 4 reserved bytes, then fixed-size NUL-padded
// keys. Raw records let tests plant malformed entries.
func writeSegment(t *testing.T, count uint32, records [][]byte) string {
	t.Helper()

	buf := make([]byte, headerSize+len(records)*keySize)
	binary.LittleEndian.PutUint32(buf[:4], count)
	for i, rec := range records {
		require.LessOrEqual(t, len(rec), keySize)
		copy(buf[headerSize+i*keySize:], rec)
	}

	path := filepath.Join(t.TempDir(), "qamddata")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func key(s string) []byte {
	rec := make([]byte, keySize)
	copy(rec, s)
	return rec
}

func TestAttachLoadsSortedInstruments(t *testing.T) {
	path := writeSegment(t, 3, [][]byte{key("rb2410"), key("cu2412"), key("au2412")})

	c, err := attachPath(path)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []string{"au2412", "cu2412", "rb2410"}, c.Instruments())
	assert.Equal(t, 3, c.Len())
}

func TestSearchIsCaseInsensitiveSubstring(t *testing.T) {
	path := writeSegment(t, 3, [][]byte{key("rb2410"), key("rb2501"), key("cu2412")})

	c, err := attachPath(path)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []string{"rb2410", "rb2501"}, c.Search("RB"))
	assert.Equal(t, []string{"cu2412", "rb2410"}, c.Search("241"))
	assert.Empty(t, c.Search("zn"))
}

func TestLoadSkipsMalformedRecords(t *testing.T) {
	corrupt := key("rb2410")
	corrupt[2] = 0x01 // non-printable before the first NUL

	empty := make([]byte, keySize)

	path := writeSegment(t, 4, [][]byte{key("cu2412"), corrupt, empty, key("cu2412")})

	c, err := attachPath(path)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []string{"cu2412"}, c.Instruments(), "corrupt, empty and duplicate records are dropped")
}

func TestLoadClampsOverstatedCount(t *testing.T) {
	path := writeSegment(t, 1000, [][]byte{key("rb2410"), key("cu2412")})

	c, err := attachPath(path)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []string{"cu2412", "rb2410"}, c.Instruments())
}

func TestAttachMissingSegmentCreatesAndServesEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qamddata")

	c, err := attachPath(path)
	require.NoError(t, err)
	defer c.Close()

	assert.Empty(t, c.Instruments())
	assert.Empty(t, c.Search("rb"))

	st, err := os.Stat(path)
	require.NoError(t, err, "a fresh segment is created for the recorder to fill")
	assert.Equal(t, int64(createSize), st.Size())
}

func TestAttachTruncatedSegmentServesEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qamddata")
	require.NoError(t, os.WriteFile(path, []byte{0x01, 0x00}, 0o644))

	c, err := attachPath(path)
	require.NoError(t, err)
	defer c.Close()

	assert.Empty(t, c.Instruments())
}

func TestCloseIsIdempotent(t *testing.T) {
	path := writeSegment(t, 1, [][]byte{key("rb2410")})

	c, err := attachPath(path)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Empty(t, c.Instruments())
}
