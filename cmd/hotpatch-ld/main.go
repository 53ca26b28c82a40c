// Command hotpatch-ld is installed as the target linker by hotpatchd. It
// turns relinks of the watched library into patch links and passes every
// other link through to the real linker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/linker"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/logging"
)

func main() {
	// stdout belongs to the compiler driver.
	logging.SetupWriter(os.Stderr, logging.Config{
		Format: os.Getenv("LOG_FORMAT"),
		Level:  os.Getenv("LOG_LEVEL"),
	})

	l, err := linker.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hotpatch-ld: %v\n", err)
		os.Exit(2)
	}

	ctx := logging.WithCorrelationID(context.Background(), os.Getenv(linker.EnvCorrelationID))
	err = l.Link(ctx, os.Args[1:])
	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.Is(err, linker.ErrNoChanges):
		os.Exit(0)
	case errors.As(err, &exitErr):
		os.Exit(exitErr.ExitCode())
	default:
		fmt.Fprintf(os.Stderr, "hotpatch-ld: %v\n", err)
		os.Exit(1)
	}
}
