package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Options the engine owns itself; extra encoder options may not override them.
var reservedOptions = map[string]struct{}{
	"-i":              {},
	"-y":              {},
	"-n":              {},
	"-f":              {},
	"-vf":             {},
	"-filter:v":       {},
	"-filter_complex": {},
	"-lavfi":          {},
}

// SplitOptions splits an extra-options string into arguments without
// involving a shell.
func SplitOptions(options string) ([]string, error) {
	args, err := shlex.Split(options)
	if err != nil {
		return nil, fmt.Errorf("invalid encoder options syntax: %w", err)
	}
	return args, nil
}

// ValidateOptions rejects arguments that would reroute input or output or
// smuggle shell metacharacters.
func ValidateOptions(args []string) error {
	for _, arg := range args {
		if _, reserved := reservedOptions[arg]; reserved {
			return fmt.Errorf("encoder option %s is not allowed", arg)
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
