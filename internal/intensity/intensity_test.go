package intensity

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadText_Forms(t *testing.T) {
	seq := "# scan\n1\n2.5\n3\n4\n"
	got, err := ReadText(strings.NewReader(seq), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5, 3, 4}, got)

	coords := "1 1 40\n0 0 10\n1 0 20\n0 1 30\n"
	got, err = ReadText(strings.NewReader(coords), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30, 40}, got)
}

func TestReadText_Errors(t *testing.T) {
	_, err := ReadText(strings.NewReader("1\n2\n3\n"), 2, 2)
	require.ErrorIs(t, err, ErrFormat)

	_, err = ReadText(strings.NewReader("1\n2\n3\n4\n5\n"), 2, 2)
	require.ErrorIs(t, err, ErrFormat)

	_, err = ReadText(strings.NewReader("5 0 1\n"), 2, 2)
	require.ErrorIs(t, err, ErrFormat)

	_, err = ReadText(strings.NewReader("1 2\n"), 2, 2)
	require.ErrorIs(t, err, ErrFormat)
}

func TestRMAF_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRMAF(&buf, []float64{1.5, 2, 1024}))
	require.True(t, IsRMAF(buf.Bytes()))

	src, err := NewFileSource([]string{"unused"}, 1, 3)
	require.NoError(t, err)
	defer src.Close()

	got, err := ReadRMAF(buf.Bytes(), src.dec)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2, 1024}, got)

	_, err = ReadRMAF([]byte("RMAX00000000"), src.dec)
	require.ErrorIs(t, err, ErrFormat)
}

func TestFileSource_ReadAndValidate(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "array1.txt")
	require.NoError(t, os.WriteFile(textPath, []byte("1\n2\n3\n4\n"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, WriteRMAF(&buf, []float64{5, 6, 7, 8}))
	binPath := filepath.Join(dir, "array2.rmaf")
	require.NoError(t, os.WriteFile(binPath, buf.Bytes(), 0o644))

	src, err := NewFileSource([]string{textPath, binPath}, 2, 2)
	require.NoError(t, err)
	defer src.Close()

	require.Equal(t, 2, src.Len())
	assert.Equal(t, "array1", src.Name(0))
	assert.Equal(t, "array2", src.Name(1))
	require.NoError(t, src.Validate(context.Background(), 2))

	got, err := src.Read(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6, 7, 8}, got)

	short := filepath.Join(dir, "short.rmaf")
	buf.Reset()
	require.NoError(t, WriteRMAF(&buf, []float64{1}))
	require.NoError(t, os.WriteFile(short, buf.Bytes(), 0o644))
	bad, err := NewFileSource([]string{textPath, short}, 2, 2)
	require.NoError(t, err)
	defer bad.Close()
	require.ErrorIs(t, bad.Validate(context.Background(), 0), ErrFormat)
}
