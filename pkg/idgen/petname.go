// Package idgen generates short, human-readable identifiers for tasks and
// workers: "happy-turtle" style two-word petnames, falling back to a
// three-word form on collision. No petname generator appears anywhere in
// the example corpus (see DESIGN.md), so this is a small self-contained
// word list rather than a third-party dependency.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// maxUniqueAttempts bounds retries before falling back to a three-word name.
const maxUniqueAttempts = 100

var adjectives = []string{
	"happy", "brave", "calm", "clever", "eager", "fuzzy", "gentle", "jolly",
	"kind", "lively", "mellow", "nimble", "proud", "quiet", "quick", "rapid",
	"sharp", "silent", "sturdy", "swift", "tidy", "vivid", "witty", "zesty",
	"amber", "bold", "crisp", "dapper", "earnest", "frosty", "golden", "honest",
}

var nouns = []string{
	"turtle", "falcon", "otter", "badger", "heron", "lynx", "marten", "finch",
	"panther", "swallow", "beetle", "cobra", "dolphin", "egret", "ferret",
	"gecko", "hawk", "ibis", "jaguar", "koala", "llama", "mole", "newt",
	"osprey", "puma", "quail", "raven", "stork", "tapir", "urchin", "viper",
}

// Generate returns a unique short identifier, calling exists to test
// candidates. It first tries up to maxUniqueAttempts two-word petnames
// (appending a numeric suffix after the first collision), then falls back
// to a three-word petname.
func Generate(exists func(id string) (bool, error)) (string, error) {
	base, err := twoWord()
	if err != nil {
		return "", err
	}

	if ok, err := exists(base); err != nil {
		return "", err
	} else if !ok {
		return base, nil
	}

	for attempt := 2; attempt <= maxUniqueAttempts; attempt++ {
		candidate := fmt.Sprintf("%s-%d", base, attempt)
		ok, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !ok {
			return candidate, nil
		}
	}

	fallback, err := threeWord()
	if err != nil {
		return "", err
	}
	ok, err := exists(fallback)
	if err != nil {
		return "", err
	}
	if !ok {
		return fallback, nil
	}
	return fmt.Sprintf("%s-%d", fallback, 1), nil
}

func twoWord() (string, error) {
	adj, err := pick(adjectives)
	if err != nil {
		return "", err
	}
	noun, err := pick(nouns)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{adj, noun}, "-"), nil
}

func threeWord() (string, error) {
	adj1, err := pick(adjectives)
	if err != nil {
		return "", err
	}
	adj2, err := pick(adjectives)
	if err != nil {
		return "", err
	}
	noun, err := pick(nouns)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{adj1, adj2, noun}, "-"), nil
}

func pick(words []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", fmt.Errorf("idgen: failed to pick word: %w", err)
	}
	return words[n.Int64()], nil
}
