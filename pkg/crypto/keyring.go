package crypto

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
)

var (
	ErrUnknownVoter = errors.New("unknown or revoked voter")
	ErrBadSignature = errors.New("signature verification failed")
)

// KeyRing maps committee member IDs to the keys their votes must verify under.
type KeyRing struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		verifiers: make(map[string]Verifier),
	}
}

// AddVerifier registers the key for a voter, replacing any previous one.
func (k *KeyRing) AddVerifier(voterID string, v Verifier) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.verifiers[voterID] = v
}

// AddSigner registers a local signer's public half under its own ID.
func (k *KeyRing) AddSigner(s Signer) error {
	v, err := NewEd25519Verifier(s.PublicKeyBytes())
	if err != nil {
		return fmt.Errorf("signer %s: %w", s.ID(), err)
	}
	k.AddVerifier(s.ID(), v)
	return nil
}

// RevokeKey removes a key from the keyring by ID.
func (k *KeyRing) RevokeKey(voterID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.verifiers, voterID)
}

func (k *KeyRing) Has(voterID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.verifiers[voterID]
	return ok
}

// Members returns the registered voter IDs, sorted.
func (k *KeyRing) Members() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.verifiers))
	for id := range k.verifiers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// VerifyKey verifies signature for a specific key
func (k *KeyRing) VerifyKey(voterID string, message []byte, signature []byte) (bool, error) {
	k.mu.RLock()
	v, exists := k.verifiers[voterID]
	k.mu.RUnlock()

	if !exists {
		return false, fmt.Errorf("%w: %s", ErrUnknownVoter, voterID)
	}
	return v.Verify(message, signature), nil
}

// VerifyVote checks that the vote's signature covers its (cycle, round, root, voter)
// payload under the voter's registered key.
func (k *KeyRing) VerifyVote(v *contracts.Vote) error {
	if len(v.Signature) == 0 {
		return fmt.Errorf("%w: missing signature from %s", ErrBadSignature, v.VoterID)
	}
	ok, err := k.VerifyKey(v.VoterID, v.Payload(), v.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: voter %s cycle %d", ErrBadSignature, v.VoterID, v.CycleID)
	}
	return nil
}

// VerifyCertificate checks a certificate's structure and every vote's signature.
func (k *KeyRing) VerifyCertificate(qc *contracts.QuorumCertificate) error {
	if err := qc.Validate(); err != nil {
		return err
	}
	for i := range qc.Votes {
		if err := k.VerifyVote(&qc.Votes[i]); err != nil {
			return err
		}
	}
	return nil
}

// SignVote stamps the vote with the signer's ID and signs its payload.
func SignVote(s Signer, v *contracts.Vote) error {
	v.VoterID = s.ID()
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	sig, err := s.Sign(v.Payload())
	if err != nil {
		return fmt.Errorf("sign vote: %w", err)
	}
	v.Signature = sig
	return nil
}
