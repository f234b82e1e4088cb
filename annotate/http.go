package annotate

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/disintegration/imaging"
)

const mjpegBoundary = "annotatorframe"

// Handler serves the surface over HTTP: the latest annotated frame as /frame.png and a motion
// JPEG stream of new frames as /stream.mjpeg.
func (s *Surface) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/frame.png", s.serveFrame)
	mux.HandleFunc("/stream.mjpeg", s.serveStream)
	return mux
}

func (s *Surface) serveFrame(w http.ResponseWriter, r *http.Request) {
	img, _ := s.Latest()
	if img == nil {
		http.Error(w, "no frame rendered yet", http.StatusServiceUnavailable)
		return
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debugw("error writing frame", "error", err)
	}
}

func (s *Surface) serveStream(w http.ResponseWriter, r *http.Request) {
	frames, unsubscribe := s.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	var buf bytes.Buffer
	for {
		select {
		case <-r.Context().Done():
			return
		case img := <-frames:
			buf.Reset()
			if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
				s.logger.Warnw("cannot encode stream frame", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
				mjpegBoundary, buf.Len()); err != nil {
				return
			}
			if _, err := w.Write(append(buf.Bytes(), '\r', '\n')); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
