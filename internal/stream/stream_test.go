package stream

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchpost/internal/pipeline"
)

func grayJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 40
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func cameraFrame(t *testing.T, seq uint64) *pipeline.Frame {
	return &pipeline.Frame{
		Source:  "cam",
		Seq:     seq,
		Width:   32,
		Height:  24,
		Pix:     make([]byte, 32*24),
		Encoded: grayJPEG(t, 64, 48),
		Format:  pipeline.FormatJPEG,
	}
}

func isRed(c [3]uint32) bool {
	return c[0] > 0xB000 && c[1] < 0x6000 && c[2] < 0x6000
}

func rgbAt(img image.Image, x, y int) [3]uint32 {
	r, g, b, _ := img.At(x, y).RGBA()
	return [3]uint32{r, g, b}
}

func TestAnnotateScalesRegions(t *testing.T) {
	frame := cameraFrame(t, 1)
	snap := pipeline.Snapshot{
		Frame:  frame,
		Motion: true,
		Score:  0.25,
		Event:  &pipeline.Event{Regions: []pipeline.Region{{X: 8, Y: 8, Width: 8, Height: 8}}},
	}

	out := Annotate(snap)
	require.NotEqual(t, frame.Encoded, out)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())

	// Region (8,8)-(16,16) on a 32x24 plane lands at (16,16)-(32,32) on 64x48
	assert.True(t, isRed(rgbAt(img, 24, 16)), "top edge at scaled position")
	assert.True(t, isRed(rgbAt(img, 16, 24)), "left edge at scaled position")
	assert.False(t, isRed(rgbAt(img, 24, 24)), "box interior untouched")
	assert.False(t, isRed(rgbAt(img, 50, 40)))
}

func TestAnnotatePassesQuietFrames(t *testing.T) {
	frame := cameraFrame(t, 1)
	assert.Equal(t, frame.Encoded, Annotate(pipeline.Snapshot{Frame: frame}))
	assert.Nil(t, Annotate(pipeline.Snapshot{}))

	pcm := &pipeline.Frame{Source: "mic", Seq: 1, Encoded: []byte{1, 2}, Format: pipeline.FormatPCM}
	assert.Nil(t, Annotate(pipeline.Snapshot{Frame: pcm}))
}

func TestDrawBoxClipsToImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	assert.NotPanics(t, func() {
		drawBox(img, -5, -5, 30, 30, MotionColor, 2)
		drawLabel(img, 8, 8, "motion 100%", MotionColor)
	})
}

// readPart reads one multipart/x-mixed-replace part
func readPart(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	boundary, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "--frame\r\n", boundary)

	header, err := textproto.NewReader(r).ReadMIMEHeader()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", header.Get("Content-Type"))
	n, err := strconv.Atoi(header.Get("Content-Length"))
	require.NoError(t, err)

	data := make([]byte, n)
	_, err = io.ReadFull(r, data)
	require.NoError(t, err)
	crlf := make([]byte, 2)
	_, err = io.ReadFull(r, crlf)
	require.NoError(t, err)
	return data
}

func TestMJPEGStreamsLatestFrames(t *testing.T) {
	agg := pipeline.NewAggregator(4, 0)
	agg.Register("cam", pipeline.KindCamera)
	first := cameraFrame(t, 1)
	require.NoError(t, agg.Observe(first, pipeline.Result{}))

	h := NewMJPEGHandler(agg, false, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, "cam")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))
	body := bufio.NewReader(resp.Body)
	assert.Equal(t, first.Encoded, readPart(t, body))

	require.Eventually(t, func() bool { return agg.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	// Health-only updates carry the same frame and are not resent
	require.NoError(t, agg.SetHealth(pipeline.DeviceHealth{Source: "cam", State: pipeline.StateRunning}))
	second := cameraFrame(t, 2)
	second.Encoded = grayJPEG(t, 16, 16)
	require.NoError(t, agg.Observe(second, pipeline.Result{}))

	assert.Equal(t, second.Encoded, readPart(t, body))

	cancel()
	require.Eventually(t, func() bool { return agg.SubscriberCount() == 0 }, time.Second, time.Millisecond)
}

func TestMJPEGRejectsUnknownAndAudioSources(t *testing.T) {
	agg := pipeline.NewAggregator(4, 0)
	agg.Register("mic", pipeline.KindAudio)
	h := NewMJPEGHandler(agg, true, nil)

	rec := httptest.NewRecorder()
	h.Serve(rec, httptest.NewRequest(http.MethodGet, "/stream/nope", nil), "nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.Serve(rec, httptest.NewRequest(http.MethodGet, "/stream/mic", nil), "mic")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeFrame(t *testing.T) {
	agg := pipeline.NewAggregator(4, 0)
	agg.Register("cam", pipeline.KindCamera)
	h := NewMJPEGHandler(agg, true, nil)

	rec := httptest.NewRecorder()
	h.ServeFrame(rec, "cam")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	frame := cameraFrame(t, 3)
	require.NoError(t, agg.Observe(frame, pipeline.Result{}))
	rec = httptest.NewRecorder()
	h.ServeFrame(rec, "cam")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, frame.Encoded, rec.Body.Bytes())

	rec = httptest.NewRecorder()
	h.ServeFrame(rec, "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
