package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnb666/convnet/img"
)

func TestConvert(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	var data []byte
	for i, label := range []byte{0, 1, 1} {
		rec := make([]byte, 1+3*32*32)
		rec[0] = label
		for j := range rec[1:] {
			rec[1+j] = byte(40 * i)
		}
		data = append(data, rec...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(src, "test_batch.bin"), data, 0644))

	dir := filepath.Join(dst, "test")
	require.NoError(t, convert(src, []string{"test_batch.bin"}, dir, []string{"cat", "dog"}))
	assert.FileExists(t, filepath.Join(dir, "cat", "1.png"))
	assert.FileExists(t, filepath.Join(dir, "dog", "2.png"))
	assert.FileExists(t, filepath.Join(dir, "dog", "3.png"))

	d, err := img.LoadDir(dir, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, d.Classes())
	assert.Equal(t, []int{32, 32, 3}, d.Dims)
	counts := map[int32]int{}
	for _, l := range d.Labels {
		counts[l]++
	}
	assert.Equal(t, map[int32]int{0: 1, 1: 2}, counts)

	err = convert(src, []string{"missing.bin"}, dir, []string{"cat", "dog"})
	assert.Error(t, err)
	err = convert(src, []string{"test_batch.bin"}, dir, []string{"cat"})
	assert.Error(t, err, "label out of range")
}
