package server

import (
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"gocv.io/x/gocv"
)

// FrameSource yields the most recent camera frame with a sequence number
// that increases for every new frame. *capture.Reader satisfies it.
type FrameSource interface {
	Latest() (*gocv.Mat, uint64, error)
}

const (
	streamBoundary = "frame"
	streamMaxFPS   = 24
)

// StreamHandler serves the camera as MJPEG for the dashboard preview.
type StreamHandler struct {
	frames   FrameSource
	interval time.Duration
}

func NewStreamHandler(frames FrameSource) *StreamHandler {
	return &StreamHandler{frames: frames, interval: 100 * time.Millisecond}
}

// ServeHTTP writes one multipart part per new frame until the client goes
// away. An optional ?fps=N (1-24) sets the preview rate.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	interval := h.interval
	if v := r.URL.Query().Get("fps"); v != "" {
		fps, err := strconv.Atoi(v)
		if err != nil || fps < 1 || fps > streamMaxFPS {
			http.Error(w, "fps must be between 1 and 24", http.StatusBadRequest)
			return
		}
		interval = time.Second / time.Duration(fps)
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(streamBoundary); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+streamBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var sent uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		jpeg, seq, ok := h.next(sent)
		if !ok {
			continue
		}
		sent = seq

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(jpeg))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(jpeg); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// next encodes the newest frame if it differs from the one numbered sent.
func (h *StreamHandler) next(sent uint64) ([]byte, uint64, bool) {
	frame, seq, err := h.frames.Latest()
	if err != nil {
		return nil, 0, false
	}
	defer frame.Close()
	if seq == sent {
		return nil, 0, false
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		return nil, 0, false
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, seq, true
}
