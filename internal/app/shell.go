package app

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/google/shlex"
)

// runHook executes a configured shell hook. The command string is split
// with shell-style quoting; the environment carries the run's stats and
// error count for post hooks.
func runHook(command, stats string, errCount int) error {
	if command == "" {
		return nil
	}

	argv, err := shlex.Split(command)
	if err != nil {
		return fmt.Errorf("parsing hook command: %w", err)
	}
	if len(argv) == 0 {
		return nil
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"DFB_STATS="+stats,
		fmt.Sprintf("DFB_ERRS=%d", errCount),
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("hook %q: %w", command, err)
	}
	return nil
}
