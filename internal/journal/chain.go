package journal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"
)

var (
	// ErrNoChainHead indicates no previous event exists for this target.
	ErrNoChainHead = errors.New("no chain head found")
	// ErrBrokenChain is returned by Verify when an event does not link to its
	// predecessor or its hash does not match its content.
	ErrBrokenChain = errors.New("journal chain broken")
)

// ComputeEventHash hashes the JSON form of evt with Chain.EventHash cleared.
func ComputeEventHash(evt *Event) string {
	c := *evt
	c.Chain.EventHash = ""

	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// GenerateEventID creates a unique event ID.
func GenerateEventID() string {
	return "build_evt_" + uuid.NewString()
}

// tailChunk is how far lastEventHash reads back per step.
const tailChunk = 4096

// lastEventHash returns the event hash on the final line of a journal file.
// It reads backwards from the end, so the cost does not grow with the
// journal. A missing or empty file yields ErrNoChainHead; a final line that
// is not a complete event (a torn write) yields ErrBrokenChain.
func lastEventHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoChainHead
		}
		return "", err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", err
	}

	var tail []byte
	for off := st.Size(); off > 0; {
		n := min(off, tailChunk)
		off -= n
		buf := make([]byte, n)
		if _, err := f.ReadAt(buf, off); err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		tail = append(buf, tail...)

		trimmed := bytes.TrimRight(tail, " \t\r\n")
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 || off == 0 {
			return headOf(trimmed[i+1:])
		}
	}
	return "", ErrNoChainHead
}

func headOf(line []byte) (string, error) {
	if len(line) == 0 {
		return "", ErrNoChainHead
	}
	var evt struct {
		Chain ChainInfo `json:"chain"`
	}
	if err := json.Unmarshal(line, &evt); err != nil || evt.Chain.EventHash == "" {
		return "", fmt.Errorf("%w: last line is not a complete event", ErrBrokenChain)
	}
	return evt.Chain.EventHash, nil
}

// Verify checks that events form an unbroken chain starting from the
// first element.
func Verify(events []Event) error {
	prev := ""
	for i := range events {
		evt := &events[i]
		if evt.Chain.PrevEventHash != prev {
			return fmt.Errorf("%w: event %d (build %d) links to %q, want %q",
				ErrBrokenChain, i, evt.BuildID, evt.Chain.PrevEventHash, prev)
		}
		if got := ComputeEventHash(evt); got != evt.Chain.EventHash {
			return fmt.Errorf("%w: event %d (build %d) hash %s, recorded %s",
				ErrBrokenChain, i, evt.BuildID, got, evt.Chain.EventHash)
		}
		prev = evt.Chain.EventHash
	}
	return nil
}
