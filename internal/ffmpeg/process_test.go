package ffmpeg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchpost/internal/pipeline"
)

func TestSplitJPEG(t *testing.T) {
	a := []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 4, 0xFF, 0xD9}

	buffer := append([]byte{9, 9, 9}, a...)
	buffer = append(buffer, b...)
	buffer = append(buffer, 0xFF, 0xD8, 7)

	assert.Equal(t, a, SplitJPEG(&buffer))
	assert.Equal(t, b, SplitJPEG(&buffer))
	assert.Nil(t, SplitJPEG(&buffer))
	assert.Equal(t, []byte{0xFF, 0xD8, 7}, buffer)

	buffer = append(buffer, 8, 0xFF, 0xD9)
	assert.Equal(t, []byte{0xFF, 0xD8, 7, 8, 0xFF, 0xD9}, SplitJPEG(&buffer))
	assert.Empty(t, buffer)
}

func TestSplitJPEGDropsGarbage(t *testing.T) {
	buffer := []byte{1, 2, 3, 4, 5, 0xFF}
	assert.Nil(t, SplitJPEG(&buffer))
	assert.Equal(t, []byte{0xFF}, buffer)

	buffer = append(buffer, 0xD8, 1, 0xFF, 0xD9)
	assert.Equal(t, []byte{0xFF, 0xD8, 1, 0xFF, 0xD9}, SplitJPEG(&buffer))
}

func TestSplitFixed(t *testing.T) {
	split := SplitFixed(4)
	buffer := []byte("abcdefghij")
	assert.Equal(t, []byte("abcd"), split(&buffer))
	assert.Equal(t, []byte("efgh"), split(&buffer))
	assert.Nil(t, split(&buffer))
	assert.Equal(t, []byte("ij"), buffer)
}

func TestProcessDeliversPayloadsThenDisconnects(t *testing.T) {
	p, err := Start("sh", []string{"-c", "printf abcdefgh"}, SplitFixed(4))
	require.NoError(t, err)
	defer p.Close()

	var last []byte
	for {
		payload, err := p.Next(context.Background(), 2*time.Second)
		if err != nil {
			assert.ErrorIs(t, err, pipeline.ErrDeviceDisconnected)
			break
		}
		last = payload
	}
	assert.Equal(t, []byte("efgh"), last)
	assert.NoError(t, p.Close())
}

func TestProcessReadTimeout(t *testing.T) {
	p, err := Start("sh", []string{"-c", "exec sleep 5"}, SplitFixed(4))
	require.NoError(t, err)

	_, err = p.Next(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, pipeline.ErrReadTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Next(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	start := time.Now()
	p.Close()
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start("watchpost-no-such-binary", nil, SplitJPEG)
	assert.ErrorIs(t, err, pipeline.ErrDeviceUnavailable)
}
