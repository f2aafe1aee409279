//go:build linux

package watcher

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// rawEvent is the fixed part of an inotify record. The name is not needed:
// every event only triggers a rescan of its watch.
type rawEvent struct {
	wd   int32
	mask uint32
}

// parseEvents splits a buffer filled by read(2) into its records. Each record
// is followed by Len bytes of NUL padded name.
func parseEvents(buf []byte) ([]rawEvent, error) {
	rd := bytes.NewReader(buf)
	var events []rawEvent
	var offset int64

	for offset < int64(len(buf)) {
		var event unix.InotifyEvent

		err := binary.Read(rd, binary.NativeEndian, &event)
		if err != nil {
			return events, fmt.Errorf("failed to read event at offset %d: %w", offset, err)
		}

		end := offset + unix.SizeofInotifyEvent + int64(event.Len)
		if end > int64(len(buf)) {
			return events, fmt.Errorf("event at offset %d overruns buffer: %w", offset, io.ErrUnexpectedEOF)
		}

		events = append(events, rawEvent{wd: event.Wd, mask: event.Mask})

		// Set the offset to the start of the next event
		offset, err = rd.Seek(end, io.SeekStart)
		if err != nil {
			return events, fmt.Errorf("failed to seek to next event: %w", err)
		}
	}

	return events, nil
}
