package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/lockchain/pkg/crypto"
)

// Committee is the fixed set of voters for the chain. Every node loads the
// same file; a node finds itself by ID and treats the rest as peers.
type Committee struct {
	// Threshold overrides floor(2n/3)+1 when > 0.
	Threshold int      `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	TimeoutMs int      `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	Members   []Member `yaml:"members" json:"members"`
}

// Member is one voter.
type Member struct {
	ID        string `yaml:"id" json:"id"`
	PublicKey string `yaml:"public_key" json:"public_key"` // hex Ed25519
	URL       string `yaml:"url" json:"url"`
}

// LoadCommittee reads and validates a committee YAML file.
func LoadCommittee(path string) (*Committee, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("load committee %q: %w", path, err)
	}
	var c Committee
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse committee %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("committee %q: %w", path, err)
	}
	return &c, nil
}

// Validate checks member IDs are unique and keys parse.
func (c *Committee) Validate() error {
	if len(c.Members) == 0 {
		return fmt.Errorf("no members")
	}
	seen := make(map[string]struct{}, len(c.Members))
	for i, m := range c.Members {
		if m.ID == "" {
			return fmt.Errorf("member %d has no id", i)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("duplicate member %q", m.ID)
		}
		seen[m.ID] = struct{}{}
		if _, err := crypto.NewEd25519VerifierFromHex(m.PublicKey); err != nil {
			return fmt.Errorf("member %q: %w", m.ID, err)
		}
	}
	if c.Threshold < 0 || c.Threshold > len(c.Members) {
		return fmt.Errorf("threshold %d outside [0, %d]", c.Threshold, len(c.Members))
	}
	return nil
}

// Timeout returns the configured round deadline, or zero for the engine default.
func (c *Committee) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// KeyRing builds the verifier set for every member.
func (c *Committee) KeyRing() (*crypto.KeyRing, error) {
	keys := crypto.NewKeyRing()
	for _, m := range c.Members {
		v, err := crypto.NewEd25519VerifierFromHex(m.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", m.ID, err)
		}
		keys.AddVerifier(m.ID, v)
	}
	return keys, nil
}

// Self returns the member with id.
func (c *Committee) Self(id string) (Member, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Peers returns every member except id, in file order.
func (c *Committee) Peers(id string) []Member {
	out := make([]Member, 0, len(c.Members))
	for _, m := range c.Members {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
