package artifacts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/helm/authority/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
)

// Archiver writes canonical envelope records to a Store.
type Archiver struct {
	store Store
}

// NewArchiver archives into store.
func NewArchiver(store Store) *Archiver {
	return &Archiver{store: store}
}

// Archive stores the canonical JSON of env and returns its reference. The
// same record always yields the same reference.
func (a *Archiver) Archive(ctx context.Context, env *contracts.Envelope) (string, error) {
	data, err := canonicalize.JCS(env)
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope %s: %w", env.EnvelopeID, err)
	}
	ref, err := a.store.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("archive envelope %s: %w", env.EnvelopeID, err)
	}
	return ref, nil
}

// Load reads an archived record and checks it against its reference.
func (a *Archiver) Load(ctx context.Context, ref string) (*contracts.Envelope, error) {
	data, err := a.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if got := Ref(data); got != ref {
		return nil, contracts.Errorf(contracts.CodeDriftDetected, "archived blob %s hashes to %s", ref, got)
	}
	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode archived envelope: %w", err)
	}
	return &env, nil
}
