package streaming

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	eventDataPrefix = "data:"
	doneSentinel    = "[DONE]"

	// streamed records can carry large argument strings
	maxLineSize = 4 * 1024 * 1024
)

// StreamDecoder incrementally decodes newline-delimited `data: <json>` events
// from a streamed response body. The underlying bufio reader retains
// incomplete trailing lines across reads, so records split over transport
// chunks reassemble transparently.
type StreamDecoder struct {
	scanner *bufio.Scanner
}

func NewStreamDecoder(r io.Reader) *StreamDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &StreamDecoder{scanner: scanner}
}

// Next returns the next decoded record. done is true when the `[DONE]`
// sentinel or end of stream is reached. Malformed records are logged and
// skipped without aborting the stream.
func (d *StreamDecoder) Next() (chunk *StreamChunk, done bool, err error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" || !strings.HasPrefix(line, eventDataPrefix) {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, eventDataPrefix))
		if payload == doneSentinel {
			return nil, true, nil
		}

		ret := &StreamChunk{}
		if err := json.Unmarshal([]byte(payload), ret); err != nil {
			log.Warn().Err(err).Int("payload_length", len(payload)).Msg("skipping malformed stream record")
			continue
		}
		return ret, false, nil
	}

	return nil, true, d.scanner.Err()
}
