package engine

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Placeholders substituted into the engine argument template for every patch.
const (
	WeightsPlaceholder = "${WEIGHTS}"
	InputPlaceholder   = "${INPUT}"
	OutputPlaceholder  = "${OUTPUT}"
	ModelPlaceholder   = "${MODEL}"
	// DigestPlaceholder is the sha256 of the resident weights, for engines that verify them.
	DigestPlaceholder  = "${DIGEST}"
)

var placeholders = []string{WeightsPlaceholder, InputPlaceholder, OutputPlaceholder, ModelPlaceholder, DigestPlaceholder}

// SplitCommand securely splits a command string into a slice of arguments.
// It prevents shell injection by not using a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// ValidateArgs checks an argument template: the input and output placeholders
// must be present and no argument may carry shell metacharacters outside a placeholder.
func ValidateArgs(args []string) error {
	hasInput, hasOutput := false, false
	for _, arg := range args {
		if strings.Contains(arg, InputPlaceholder) {
			hasInput = true
		}
		if strings.Contains(arg, OutputPlaceholder) {
			hasOutput = true
		}

		stripped := arg
		for _, p := range placeholders {
			stripped = strings.ReplaceAll(stripped, p, "")
		}
		if strings.ContainsAny(stripped, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}

	if !hasInput {
		return fmt.Errorf("engine arguments must include the input placeholder '%s'", InputPlaceholder)
	}
	if !hasOutput {
		return fmt.Errorf("engine arguments must include the output placeholder '%s'", OutputPlaceholder)
	}
	return nil
}

// expandArgs substitutes the placeholders after splitting, so paths with
// spaces stay a single argument.
func expandArgs(tmpl []string, values map[string]string) []string {
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		for p, v := range values {
			arg = strings.ReplaceAll(arg, p, v)
		}
		out[i] = arg
	}
	return out
}
