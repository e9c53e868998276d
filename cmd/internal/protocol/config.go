package protocol

import (
	"os"
	"strings"
)

// Config holds the per-stage secrets.
//
// Phrases gate each stage; fragments are released on success and concatenate,
// in stage order, to the composite secret.
type Config struct {
	AlicePhrase   string
	BobPhrase     string
	CharliePhrase string

	FragmentA string
	FragmentB string
	FragmentC string
}

// DefaultConfig returns the built-in phrases and fragments.
func DefaultConfig() Config {
	return Config{
		AlicePhrase:   "initiate quantum entanglement",
		BobPhrase:     "perform entanglement swapping",
		CharliePhrase: "Collapse the wavefunction and reveal the proof",

		FragmentA: "flag{mult1",
		FragmentB: "_ag3nt_c00rd",
		FragmentC: "1n4t10n}",
	}
}

// LoadConfigFromEnv overlays DefaultConfig with environment overrides.
//
// Optional:
//   - ENTANGLE_PHRASE_ALICE, ENTANGLE_PHRASE_BOB, ENTANGLE_PHRASE_CHARLIE
//   - ENTANGLE_FRAGMENT_A, ENTANGLE_FRAGMENT_B, ENTANGLE_FRAGMENT_C
//
// Alice and Bob phrases are compared trimmed and case-insensitively, so they are
// stored trimmed. The Charlie phrase is compared byte for byte and is kept as given.
// Returns ErrConfig if any value ends up empty.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("ENTANGLE_PHRASE_ALICE")); v != "" {
		cfg.AlicePhrase = v
	}
	if v := strings.TrimSpace(os.Getenv("ENTANGLE_PHRASE_BOB")); v != "" {
		cfg.BobPhrase = v
	}
	if v := os.Getenv("ENTANGLE_PHRASE_CHARLIE"); strings.TrimSpace(v) != "" {
		cfg.CharliePhrase = v
	}
	if v := os.Getenv("ENTANGLE_FRAGMENT_A"); v != "" {
		cfg.FragmentA = v
	}
	if v := os.Getenv("ENTANGLE_FRAGMENT_B"); v != "" {
		cfg.FragmentB = v
	}
	if v := os.Getenv("ENTANGLE_FRAGMENT_C"); v != "" {
		cfg.FragmentC = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports ErrConfig when a phrase or fragment is empty.
func (c Config) Validate() error {
	for _, v := range []string{c.AlicePhrase, c.BobPhrase, c.CharliePhrase, c.FragmentA, c.FragmentB, c.FragmentC} {
		if strings.TrimSpace(v) == "" {
			return ErrConfig
		}
	}
	return nil
}

// Secret returns the composite secret revealed by a full run.
func (c Config) Secret() string {
	return c.FragmentA + c.FragmentB + c.FragmentC
}
