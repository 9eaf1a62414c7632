package pack

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/loomworks/loom/internal/cache"
)

// writeEvents streams events as one JSON object per line. The format is
// append-friendly: concatenating two event files is still a valid event
// file.
func writeEvents(w io.Writer, events []cache.Event) error {
	enc := json.NewEncoder(w)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return fmt.Errorf("failed to encode event seq %d: %w", events[i].Seq, err)
		}
	}
	return nil
}

// readEvents parses a line-delimited event stream. Blank lines are
// tolerated; anything else that fails to parse names its line number.
func readEvents(r io.Reader) ([]cache.Event, error) {
	var events []cache.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev cache.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("invalid event at line %d: %w", line, err)
		}
		if ev.ProjectID == "" || ev.Seq <= 0 {
			return nil, fmt.Errorf("invalid event at line %d: missing project_id or seq", line)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}
