package relay

import "strings"

// MetadataInterval is the byte spacing between inline metadata blocks on the
// live endpoint. Legacy playback clients expect exactly this interval.
const MetadataInterval = 8192

// maxMetadataBlocks caps the inline payload: the length prefix is a single
// byte counting 16-byte blocks, so anything past 255 blocks would wrap the
// prefix and desync the consumer's byte accounting.
const maxMetadataBlocks = 255

// Metadata is the current track text for a stream.
type Metadata struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Album  string `json:"album"`
}

// SetMetadata updates the stream's track text. Identical metadata (all three
// fields) is a no-op, keeping the pre-rendered block cache intact.
func (s *Stream) SetMetadata(md Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metaSet && md == s.meta {
		return
	}
	s.meta = md
	s.metaSet = true
	s.metaBlock = nil // re-rendered lazily on next injection
}

// Metadata returns the current track text.
func (s *Stream) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// MetadataBlock returns the pre-rendered inline block for the current
// metadata, rendering and caching it on first use after a change.
func (s *Stream) MetadataBlock() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metaBlock == nil {
		s.metaBlock = FormatInlineMetadata(s.meta)
	}
	return s.metaBlock
}

// FormatInlineMetadata builds the length-prefixed inline block: one leading
// byte encoding ceil(len/16) 16-byte blocks, then the UTF-8
// "StreamTitle='artist - title';" payload zero-padded to the block boundary.
// An empty payload is a single zero byte. This exact layout is parsed by
// legacy streaming clients; it is wire format, not an implementation detail.
func FormatInlineMetadata(md Metadata) []byte {
	text := md.Title
	if md.Artist != "" {
		if text != "" {
			text = md.Artist + " - " + text
		} else {
			text = md.Artist
		}
	}
	if text == "" {
		return []byte{0}
	}

	const prefix, suffix = "StreamTitle='", "';"
	escaped := escapeQuotes(text)
	if max := maxMetadataBlocks*16 - len(prefix) - len(suffix); len(escaped) > max {
		// Producer metadata is unbounded input; truncate rather than wrap
		// the length byte. Trailing backslashes are stripped so the cut
		// never leaves half an escape sequence before the closing quote.
		escaped = strings.TrimRight(escaped[:max], `\`)
	}
	payload := prefix + escaped + suffix

	blocks := (len(payload) + 15) / 16
	out := make([]byte, 1+blocks*16)
	out[0] = byte(blocks)
	copy(out[1:], payload)
	return out
}

// escapeQuotes protects the single quotes delimiting the payload value.
func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}
