// Package distribution serves build state and artifacts to hot-swap
// runtimes over HTTP.
package distribution

import (
	"sort"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/artifact"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/build"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/state"
)

// StreamContentType is the media type of a subscription stream.
const StreamContentType = "application/x-hotpatch-stream"

// HashHeader carries the sha256 of a fetched artifact.
const HashHeader = "X-Hotpatch-Hash"

// Kind tags a Frame.
type Kind uint8

const (
	KindInitialState Kind = iota + 1
	KindRootLibPath
	KindUpdatedLibs
	KindUpdatedAssets
	KindBuildStarted
	KindBuildCompleted
	KindBuildFailed
	KindKeepAlive
)

var kindNames = map[Kind]string{
	KindInitialState:   "InitialState",
	KindRootLibPath:    "RootLibPath",
	KindUpdatedLibs:    "UpdatedLibs",
	KindUpdatedAssets:  "UpdatedAssets",
	KindBuildStarted:   "BuildStarted",
	KindBuildCompleted: "BuildCompleted",
	KindBuildFailed:    "BuildFailed",
	KindKeepAlive:      "KeepAlive",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Artifact is the wire form of a record. Local paths never leave the
// server.
type Artifact struct {
	Name         string
	RelativePath string
	Hash         string
	Dependencies []string
}

// Frame is one message of a subscription stream. Which fields are set
// depends on Kind.
type Frame struct {
	Kind    Kind
	BuildID uint64

	// InitialState
	MostRecentStarted   uint64
	MostRecentCompleted uint64

	RootLibrary string     // InitialState, RootLibPath, BuildCompleted
	Libraries   []Artifact // InitialState, UpdatedLibs, BuildCompleted
	Assets      []Artifact // InitialState, UpdatedAssets
	Reason      string     // BuildFailed

	// KeepAlive: updates this subscriber lost to a full buffer so far.
	// A growing count means the client should resubscribe.
	Dropped uint64
}

func wireArtifact(r artifact.Record) Artifact {
	return Artifact{
		Name:         r.Name,
		RelativePath: r.RelativePath,
		Hash:         r.Hash.String(),
		Dependencies: r.Dependencies,
	}
}

func wireArtifacts(recs map[string]artifact.Record) []Artifact {
	out := make([]Artifact, 0, len(recs))
	for _, r := range recs {
		out = append(out, wireArtifact(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out
}

// InitialFrame describes a full snapshot. Its BuildID is the most recent
// completed build, 0 before the first one.
func InitialFrame(s state.Snapshot) Frame {
	return Frame{
		Kind:                KindInitialState,
		BuildID:             s.MostRecentCompleted,
		MostRecentStarted:   s.MostRecentStarted,
		MostRecentCompleted: s.MostRecentCompleted,
		RootLibrary:         s.RootLibrary,
		Libraries:           wireArtifacts(s.Libraries),
		Assets:              wireArtifacts(s.Assets),
	}
}

// Frames translates one executor output into wire frames. A completed
// build sends its libraries before the new root and the completion, so a
// runtime has everything to load by the time it is told to swap.
func Frames(out build.Output) []Frame {
	switch o := out.(type) {
	case build.StartedBuild:
		return []Frame{{Kind: KindBuildStarted, BuildID: o.ID}}

	case build.EndedBuild:
		libs := make([]Artifact, 0, len(o.Libraries))
		for _, r := range o.Libraries {
			libs = append(libs, wireArtifact(r))
		}
		var frames []Frame
		if len(libs) > 0 {
			frames = append(frames, Frame{Kind: KindUpdatedLibs, BuildID: o.ID, Libraries: libs})
		}
		// BuildCompleted repeats the build's output so a runtime can act on
		// it alone.
		return append(frames,
			Frame{Kind: KindRootLibPath, BuildID: o.ID, RootLibrary: o.RootLibrary},
			Frame{Kind: KindBuildCompleted, BuildID: o.ID, RootLibrary: o.RootLibrary, Libraries: libs},
		)

	case build.AssetUpdated:
		return []Frame{{Kind: KindUpdatedAssets, Assets: []Artifact{wireArtifact(o.Record)}}}

	case build.LibraryUpdated:
		return []Frame{{Kind: KindUpdatedLibs, Libraries: []Artifact{wireArtifact(o.Record)}}}

	case build.FailedBuild:
		return []Frame{{Kind: KindBuildFailed, BuildID: o.ID, Reason: o.Reason}}
	}
	return nil
}
