package relay

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// HandleLive serves the chunked live playback byte stream for streamID.
// Clients that send "Icy-MetaData: 1" get inline metadata blocks interleaved
// every MetadataInterval audio bytes; everyone else gets raw audio.
func (r *Relay) HandleLive(w http.ResponseWriter, req *http.Request, streamID string) {
	stream, ok := r.Get(streamID)
	if !ok {
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}

	consumer, err := stream.OpenConsumer()
	if err != nil {
		if errors.Is(err, ErrTooManyConsumers) {
			http.Error(w, "too many consumers", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "stream unavailable", http.StatusGone)
		return
	}
	defer consumer.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	withMeta := req.Header.Get("Icy-MetaData") == "1"
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	if withMeta {
		w.Header().Set("icy-metaint", strconv.Itoa(MetadataInterval))
		w.Header().Set("icy-name", "castbridge")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	r.logger.Info("consumer attached",
		zap.String("streamID", streamID),
		zap.Bool("icyMetadata", withMeta),
	)

	iw := &icyWriter{w: w, stream: stream, withMeta: withMeta, untilMeta: MetadataInterval}
	ctx := req.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, open := <-consumer.Frames():
			if !open {
				// Pruned or torn down; the stream already forgot us.
				return
			}
			if err := iw.write(frame); err != nil {
				r.logger.Debug("consumer write failed",
					zap.String("streamID", streamID), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// icyWriter interleaves metadata blocks on byte-count thresholds, so
// metadata timing is deterministic relative to audio position rather than
// wall-clock time.
type icyWriter struct {
	w         http.ResponseWriter
	stream    *Stream
	withMeta  bool
	untilMeta int
}

func (iw *icyWriter) write(frame []byte) error {
	if !iw.withMeta {
		_, err := iw.w.Write(frame)
		return err
	}
	for len(frame) > 0 {
		n := len(frame)
		if n > iw.untilMeta {
			n = iw.untilMeta
		}
		if _, err := iw.w.Write(frame[:n]); err != nil {
			return err
		}
		iw.untilMeta -= n
		frame = frame[n:]
		if iw.untilMeta == 0 {
			if _, err := iw.w.Write(iw.stream.MetadataBlock()); err != nil {
				return err
			}
			iw.untilMeta = MetadataInterval
		}
	}
	return nil
}
