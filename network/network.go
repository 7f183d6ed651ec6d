// Package network decides which chain each deployment environment accepts.
package network

import (
	"errors"
	"fmt"
	"strings"
)

// Environment is the deployment environment the daemon runs in.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

const (
	MainnetChainID uint64 = 1
	RinkebyChainID uint64 = 4
)

// ErrUnknownEnvironment is a configuration fault and is never recovered from.
var ErrUnknownEnvironment = errors.New("unknown environment")

var explorers = map[Environment]string{
	Development: "https://rinkeby.etherscan.io",
	Staging:     "https://rinkeby.etherscan.io",
	Production:  "https://etherscan.io",
}

// ParseEnvironment accepts development, staging or production (case-insensitive).
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := explorers[env]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEnvironment, s)
	}
	return env, nil
}

// ExpectedChainID returns the only chain env accepts.
func ExpectedChainID(env Environment) (uint64, error) {
	switch env {
	case Development, Staging:
		return RinkebyChainID, nil
	case Production:
		return MainnetChainID, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEnvironment, string(env))
	}
}

// IsSupported reports whether chainID is the chain env runs against.
func IsSupported(env Environment, chainID uint64) (bool, error) {
	expected, err := ExpectedChainID(env)
	if err != nil {
		return false, err
	}
	return chainID == expected, nil
}

// ExplorerURL joins path segments onto the block explorer of env.
func ExplorerURL(env Environment, path ...string) (string, error) {
	base, ok := explorers[env]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEnvironment, string(env))
	}
	if len(path) == 0 {
		return base, nil
	}
	return base + "/" + strings.Join(path, "/"), nil
}
