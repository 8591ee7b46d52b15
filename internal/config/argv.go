package config

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// parseArgv splits a command string with shell quoting rules. A blank or
// commented-out command yields no argv.
func parseArgv(input string) ([]string, error) {
	input = strings.TrimSpace(input)
	if input == "" || strings.HasPrefix(input, "#") {
		return nil, nil
	}
	argv, err := shellquote.Split(input)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", input, err)
	}
	return argv, nil
}

func mustParseArgv(input string) []string {
	argv, err := parseArgv(input)
	if err != nil {
		panic(err)
	}
	return argv
}
