// Package stream serves the latest published frames of a source as an MJPEG
// multipart stream.
package stream

import (
	"fmt"
	"log"
	"net/http"

	"watchpost/internal/pipeline"
)

// clientBuffer is the number of snapshots queued per client; slower clients
// skip frames
const clientBuffer = 5

// MJPEGHandler streams frames from the aggregator
type MJPEGHandler struct {
	aggregator *pipeline.Aggregator
	logger     *log.Logger
	overlay    bool
}

// NewMJPEGHandler creates a handler. With overlay set, motion regions are
// drawn on every frame.
func NewMJPEGHandler(aggregator *pipeline.Aggregator, overlay bool, logger *log.Logger) *MJPEGHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &MJPEGHandler{aggregator: aggregator, logger: logger, overlay: overlay}
}

// Serve streams source to the client until it disconnects or the
// aggregator closes
func (h *MJPEGHandler) Serve(w http.ResponseWriter, r *http.Request, source string) {
	current, ok := h.aggregator.Snapshot(source)
	if !ok {
		http.Error(w, fmt.Sprintf("Stream not found for source %s", source), http.StatusNotFound)
		return
	}
	if current.Kind != pipeline.KindCamera {
		http.Error(w, fmt.Sprintf("Source %s does not produce images", source), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	updates, unsubscribe := h.aggregator.Subscribe(source, clientBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Printf("[MJPEG] Client connected to %s", source)
	defer h.logger.Printf("[MJPEG] Client disconnected from %s", source)

	var lastSeq uint64
	send := func(snap pipeline.Snapshot) error {
		if snap.Frame == nil || snap.Frame.Seq == lastSeq {
			return nil
		}
		frame := snap.Frame.Encoded
		if h.overlay {
			frame = Annotate(snap)
		}
		if len(frame) == 0 {
			return nil
		}
		lastSeq = snap.Frame.Seq
		if err := writePart(w, frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(current); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := send(snap); err != nil {
				return
			}
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

// ServeFrame writes the latest frame of source as a single JPEG, annotated
// when overlay is set
func (h *MJPEGHandler) ServeFrame(w http.ResponseWriter, source string) {
	snap, ok := h.aggregator.Snapshot(source)
	if !ok {
		http.Error(w, fmt.Sprintf("Source %s not found", source), http.StatusNotFound)
		return
	}

	frame := Annotate(snap)
	if !h.overlay && snap.Frame != nil && snap.Frame.Format == pipeline.FormatJPEG {
		frame = snap.Frame.Encoded
	}
	if len(frame) == 0 {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
	w.Write(frame)
}
