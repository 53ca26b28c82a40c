package journal

import (
	"time"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/artifact"
)

const (
	eventVersion = "1"
	eventType    = "build_completed"
)

// Event is one journal line: what a completed build distributed.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Target      string         `json:"target"`
	BuildID     uint64         `json:"build_id"`
	RootLibrary string         `json:"root_library"`
	Artifacts   []ArtifactInfo `json:"artifacts"`
	Producer    ProducerInfo   `json:"producer"`
	Chain       ChainInfo      `json:"chain"`
}

// ArtifactInfo identifies one library of the build.
type ArtifactInfo struct {
	Path         string   `json:"path"`
	Hash         string   `json:"hash"`
	Dependencies []string `json:"dependencies,omitempty"`
	MirrorURI    string   `json:"mirror_uri,omitempty"`
}

// ProducerInfo identifies the daemon that wrote the event.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ChainInfo links the event to its predecessor for the same target.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// Build is what callers hand to Append.
type Build struct {
	Target      string
	ID          uint64
	RootLibrary string
	Libraries   []artifact.Record
	// MirrorURIs maps relative paths to their mirror location, if mirrored.
	MirrorURIs map[string]string
}

func newEvent(b Build, producer ProducerInfo) *Event {
	arts := make([]ArtifactInfo, 0, len(b.Libraries))
	for _, lib := range b.Libraries {
		arts = append(arts, ArtifactInfo{
			Path:         lib.RelativePath,
			Hash:         lib.Hash.String(),
			Dependencies: lib.Dependencies,
			MirrorURI:    b.MirrorURIs[lib.RelativePath],
		})
	}
	return &Event{
		Version:     eventVersion,
		EventType:   eventType,
		EventID:     GenerateEventID(),
		Timestamp:   time.Now().UTC(),
		Target:      b.Target,
		BuildID:     b.ID,
		RootLibrary: b.RootLibrary,
		Artifacts:   arts,
		Producer:    producer,
	}
}
