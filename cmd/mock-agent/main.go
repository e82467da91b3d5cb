// Package main implements a mock agent binary that speaks the app-server
// protocol over stdin/stdout. It generates scripted turns for testing the
// session core without a real model behind it.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

func main() {
	opts := agentOptions{
		Model:         parseArgValue(os.Args, "--model", "mock-default"),
		Scenario:      parseArgValue(os.Args, "--scenario", os.Getenv("CAR_MOCK_SCENARIO")),
		StrictInit:    boolEnv("CAR_MOCK_STRICT_INIT"),
		OversizeBytes: intEnv("CAR_MOCK_OVERSIZE_BYTES"),
	}

	a := newAgent(os.Stdin, os.Stdout, opts)
	if err := a.run(); err != nil {
		if errors.Is(err, errCrashRequested) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

// parseArgValue extracts the value of a --flag from the args slice, accepting
// both "--flag value" and "--flag=value" forms.
func parseArgValue(args []string, flag, fallback string) string {
	for i, arg := range args[1:] {
		if arg == flag && i+1 < len(args)-1 {
			return args[i+2]
		}
		if strings.HasPrefix(arg, flag+"=") {
			return strings.TrimPrefix(arg, flag+"=")
		}
	}
	return fallback
}

func boolEnv(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func intEnv(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
