package build

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

// Reasons recognised in the driver's progress stream.
const (
	reasonArtifact = "compiler-artifact"
	reasonFinished = "build-finished"
	reasonMessage  = "compiler-message"
)

// DriverMessage is one line of the driver's JSON progress stream. Only the
// fields the executor reads are decoded.
type DriverMessage struct {
	Reason    string `json:"reason"`
	PackageID string `json:"package_id"`
	Target    struct {
		Name string   `json:"name"`
		Kind []string `json:"kind"`
	} `json:"target"`
	Filenames []string `json:"filenames"`
	Success   *bool    `json:"success"`
	Message   *struct {
		Level    string `json:"level"`
		Rendered string `json:"rendered"`
	} `json:"message"`
}

// DecodeStream calls fn for every well-formed message in r. Lines that are
// not JSON objects are skipped; drivers interleave plain text freely.
func DecodeStream(r io.Reader, fn func(DriverMessage)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg DriverMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		fn(msg)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read driver output: %w", err)
	}
	return nil
}

// DriverResult is what one driver run produced.
type DriverResult struct {
	Success   bool
	Artifacts []DriverMessage
	Errors    []string // rendered error diagnostics
}

// Driver invokes the compiler driver for one target.
type Driver struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
}

// Run executes the driver and decodes its stdout. A non-zero exit or a
// build-finished message with success=false returns ErrDriverFailed wrapped
// in a FailureError.
func (d *Driver) Run(ctx context.Context) (DriverResult, error) {
	cmd := exec.CommandContext(ctx, d.Program, d.Args...)
	cmd.Dir = d.Dir
	cmd.Env = append(os.Environ(), d.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return DriverResult{}, fmt.Errorf("driver stdout: %w", err)
	}
	stderr := &tailBuffer{limit: 8 * 1024}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return DriverResult{}, fmt.Errorf("start driver %s: %w", d.Program, err)
	}

	var (
		res      DriverResult
		finished *bool
	)
	decodeErr := DecodeStream(stdout, func(m DriverMessage) {
		switch m.Reason {
		case reasonArtifact:
			res.Artifacts = append(res.Artifacts, m)
		case reasonFinished:
			finished = m.Success
		case reasonMessage:
			if m.Message != nil && m.Message.Level == "error" && len(res.Errors) < 8 {
				res.Errors = append(res.Errors, m.Message.Rendered)
			}
		}
	})
	waitErr := cmd.Wait()

	switch {
	case finished != nil && !*finished:
		return res, &FailureError{Reason: failureReason(res.Errors, stderr.String()), Err: ErrDriverFailed}
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &FailureError{Reason: failureReason(res.Errors, stderr.String()), Err: ErrDriverFailed}
		}
		return res, fmt.Errorf("wait for driver: %w", waitErr)
	case decodeErr != nil:
		return res, decodeErr
	}
	res.Success = true
	return res, nil
}

func failureReason(diagnostics []string, stderr string) string {
	if len(diagnostics) > 0 {
		return strings.TrimSpace(strings.Join(diagnostics, "\n"))
	}
	return strings.TrimSpace(stderr)
}

// RootArtifact picks the root library out of the driver's artifacts and
// returns it along with every other shared library produced for t.
//
// Matching is by the driver's target name, normalised so "my-game" and
// "my_game" compare equal, falling back to a substring match on the package
// id. Workspaces with similarly named packages can defeat the fallback.
func RootArtifact(artifacts []DriverMessage, t target.Target, pkg, example string) (string, []string, error) {
	var (
		root     string
		fallback string
		others   []string
	)
	want := normalizeName(pkg)
	if example != "" {
		want = normalizeName(example)
	}

	for _, a := range artifacts {
		var libs []string
		for _, f := range a.Filenames {
			if t.IsSharedLibrary(f) {
				libs = append(libs, f)
			}
		}
		if len(libs) == 0 {
			continue
		}

		switch {
		case root == "" && want != "" && normalizeName(a.Target.Name) == want && kindMatches(a.Target.Kind, example != ""):
			root = libs[0]
			libs = libs[1:]
		case fallback == "" && pkg != "" && strings.Contains(a.PackageID, pkg):
			fallback = libs[0]
			libs = libs[1:]
		case want == "" && root == "":
			root = libs[0]
			libs = libs[1:]
		}
		others = append(others, libs...)
	}

	if root == "" && fallback != "" {
		root = fallback
	} else if fallback != "" {
		others = append(others, fallback)
	}
	if root == "" {
		return "", nil, ErrArtifactMissing
	}
	return root, others, nil
}

func kindMatches(kinds []string, example bool) bool {
	if !example {
		return true
	}
	for _, k := range kinds {
		if k == "example" {
			return true
		}
	}
	return len(kinds) == 0
}

func normalizeName(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "-", "_")
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
