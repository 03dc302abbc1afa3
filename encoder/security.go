package encoder

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// reservedFlags are set by BuildArgs and may not be overridden.
var reservedFlags = map[string]bool{
	"-i":       true,
	"--input":  true,
	"-o":       true,
	"--output": true,
}

// SplitArgs securely splits extra encoder arguments from a batch config.
// It prevents shell injection by not using a shell.
func SplitArgs(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// SanitizeArgs checks split arguments for potential security risks.
func SanitizeArgs(args []string) error {
	for _, arg := range args {
		flag, _, _ := strings.Cut(arg, "=")
		if reservedFlags[flag] {
			return fmt.Errorf("argument %s is managed by the agent", flag)
		}
		// Disallow shell-like metacharacters, though exec.Command prevents
		// their execution.
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}

// ExtraArgs splits and sanitizes raw extra arguments.
func ExtraArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	args, err := SplitArgs(raw)
	if err != nil {
		return nil, err
	}
	if err := SanitizeArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}
