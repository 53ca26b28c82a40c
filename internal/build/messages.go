// Package build runs compiler-driver builds for one target and reports the
// results as a stream of Output messages.
package build

import (
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/artifact"
)

var (
	// ErrArtifactMissing is returned when no produced library matches the
	// configured package or example.
	ErrArtifactMissing = errors.New("root artifact not found among build outputs")
	// ErrDriverFailed is returned when the driver reports failure or exits
	// non-zero.
	ErrDriverFailed = errors.New("compiler driver failed")
)

// FailureError carries the human readable reason a build failed.
type FailureError struct {
	Reason string
	Err    error
}

func (e *FailureError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Reason)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Incoming is a message sent to an Executor.
type Incoming interface {
	incoming()
}

// RequestBuild activates the executor and asks for a build.
type RequestBuild struct{}

// CodeChanged reports a source edit. Ignored until the first RequestBuild.
type CodeChanged struct {
	Path string
}

// AssetChanged reports a new or modified asset file.
type AssetChanged struct {
	Record artifact.Record
}

func (RequestBuild) incoming() {}
func (CodeChanged) incoming()  {}
func (AssetChanged) incoming() {}

// Output is a result leaving an Executor.
type Output interface {
	output()
}

// StartedBuild is emitted when build ID begins. IDs are strictly increasing
// per target.
type StartedBuild struct {
	ID uint64
}

// EndedBuild is emitted when build ID succeeded. Libraries is empty when the
// link step found nothing to do.
type EndedBuild struct {
	ID          uint64
	Libraries   []artifact.Record
	RootLibrary string
}

// AssetUpdated carries a replaced asset record.
type AssetUpdated struct {
	Record artifact.Record
}

// LibraryUpdated carries a replaced library record outside a build.
type LibraryUpdated struct {
	Record artifact.Record
}

// FailedBuild is emitted instead of EndedBuild when build ID failed.
type FailedBuild struct {
	ID     uint64
	Reason string
}

func (StartedBuild) output()   {}
func (EndedBuild) output()     {}
func (AssetUpdated) output()   {}
func (LibraryUpdated) output() {}
func (FailedBuild) output()    {}
