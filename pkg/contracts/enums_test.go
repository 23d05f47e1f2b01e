package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumJSONRejectsUnknownValues(t *testing.T) {
	var v struct {
		Status EnvelopeStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"status":"SEALED"}`), &v))
	assert.Equal(t, EnvelopeSealed, v.Status)

	err := json.Unmarshal([]byte(`{"status":"sealed"}`), &v)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEnum))
}

func TestEnumValueRejectsUnknownValues(t *testing.T) {
	_, err := CoverageType("REGIONAL").Value()
	require.ErrorIs(t, err, ErrInvalidEnum)

	v, err := CoverageMulti.Value()
	require.NoError(t, err)
	assert.Equal(t, "MULTI", v)
}

func TestEnumScan(t *testing.T) {
	var code ViolationCode
	require.NoError(t, code.Scan([]byte("REVOKED_ENVELOPE")))
	assert.Equal(t, ViolationRevokedEnvelope, code)

	assert.ErrorIs(t, code.Scan("BOGUS"), ErrInvalidEnum)
	assert.ErrorIs(t, code.Scan(nil), ErrInvalidEnum)
	assert.ErrorIs(t, code.Scan(42), ErrInvalidEnum)
}

func TestReplayStatusTerminal(t *testing.T) {
	assert.False(t, ReplayPending.Terminal())
	for _, s := range []ReplayStatus{ReplaySuccess, ReplayDriftDetected, ReplayError} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestResolutionTransitions(t *testing.T) {
	assert.True(t, ResolutionOpen.CanTransitionTo(ResolutionAcknowledged))
	assert.True(t, ResolutionOpen.CanTransitionTo(ResolutionResolved))
	assert.True(t, ResolutionAcknowledged.CanTransitionTo(ResolutionResolved))
	assert.False(t, ResolutionAcknowledged.CanTransitionTo(ResolutionOpen))
	assert.False(t, ResolutionResolved.CanTransitionTo(ResolutionAcknowledged))
	assert.False(t, ResolutionOpen.CanTransitionTo(ResolutionOpen))
}

func TestEffectiveStatusLazyExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	env := &Envelope{Status: EnvelopeSealed}
	assert.Equal(t, EnvelopeSealed, env.EffectiveStatus(now))

	env.ExpiresAt = &future
	assert.Equal(t, EnvelopeSealed, env.EffectiveStatus(now))

	env.ExpiresAt = &past
	assert.Equal(t, EnvelopeExpired, env.EffectiveStatus(now))

	env.Status = EnvelopeRevoked
	assert.Equal(t, EnvelopeRevoked, env.EffectiveStatus(now))
}

func TestCodeClass(t *testing.T) {
	assert.Equal(t, ClassNotFound, CodeEnvelopeNotSealed.Class())
	assert.Equal(t, ClassDenial, Code(ViolationNoEnvelope).Class())
	assert.Equal(t, ClassIntegrity, CodeDriftDetected.Class())
	assert.Equal(t, ClassConfiguration, CodeTerritoryNotConfigured.Class())
	assert.Equal(t, ClassRequest, CodeReplayAlreadyTerminal.Class())
	assert.Equal(t, ClassStorage, CodeInvalidEnum.Class())
}

func TestErrorMatchingByCode(t *testing.T) {
	err := Errorf(CodeEnvelopeNotSealed, "no envelope with hash %s", "h1")
	assert.True(t, errors.Is(err, ErrEnvelopeNotSealed))
	assert.False(t, errors.Is(err, ErrReplayNotFound))
	assert.Contains(t, err.Error(), "ENVELOPE_NOT_SEALED")
	assert.Equal(t, CodeEnvelopeNotSealed, CodeOf(err))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestDocument(t *testing.T) {
	doc := MustDocument("lead.score", "1", map[string]int{"test": 1})
	var body map[string]int
	require.NoError(t, doc.Decode(&body))
	assert.Equal(t, 1, body["test"])

	assert.True(t, Document{}.IsZero())
	assert.JSONEq(t, "null", string(Document{}.BodyOrNull()))
}
