package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	secerrors "secmon/internal/errors"
	"secmon/internal/schema"
	"secmon/internal/store"
)

func seed(t *testing.T, s *store.EventStore, typ schema.EventType, sev schema.Severity, source string, at time.Time) uuid.UUID {
	t.Helper()
	ev := &schema.SecurityEvent{
		ID:        uuid.New(),
		Timestamp: at,
		Type:      typ,
		Severity:  sev,
		Source:    source,
	}
	s.Append(ev)
	return ev.ID
}

func TestInvestigate_CredentialStuffing(t *testing.T) {
	s := store.NewEventStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Escalation appended first so timeline ordering is exercised
	ids := []uuid.UUID{seed(t, s, schema.EventPrivilegeEscalation, schema.SeverityHigh, "idp", base.Add(10*time.Minute))}
	for i := 0; i < 5; i++ {
		ids = append(ids, seed(t, s, schema.EventAuthenticationFailure, schema.SeverityMedium, "idp", base.Add(time.Duration(i)*time.Minute)))
	}

	inv := NewInvestigator(s)
	result, err := inv.Investigate(context.Background(), ids)
	require.NoError(t, err)

	require.Len(t, result.AttackPatterns, 1)
	assert.Equal(t, "Credential Stuffing to Privilege Escalation", result.AttackPatterns[0].Name)
	assert.Equal(t, 0.8, result.AttackPatterns[0].Confidence)
	assert.Len(t, result.AttackPatterns[0].EventIDs, 6)

	require.Len(t, result.Timeline, 6)
	for i := 1; i < len(result.Timeline); i++ {
		assert.False(t, result.Timeline[i].Timestamp.Before(result.Timeline[i-1].Timestamp))
	}
	assert.Equal(t, schema.EventPrivilegeEscalation, result.Timeline[5].Type)

	assert.Equal(t, "high", result.Impact.RiskLevel)
	assert.Equal(t, 1, result.Impact.SystemsAffected)
	assert.False(t, result.Impact.DataAtRisk)
	assert.InDelta(t, 5*2500.0+10000.0, result.Impact.EstimatedCost, 1e-9)
	assert.Empty(t, result.Impact.ComplianceImpact)
	assert.Equal(t, InvestigationActive, result.Status)
	assert.Contains(t, result.Recommendations[len(result.Recommendations)-1], "Preserve logs")
}

func TestInvestigate_Exfiltration(t *testing.T) {
	s := store.NewEventStore()
	now := time.Now()
	a := seed(t, s, schema.EventSystemCompromise, schema.SeverityCritical, "db-1", now)
	b := seed(t, s, schema.EventDataExfiltration, schema.SeverityHigh, "proxy", now.Add(time.Minute))

	result, err := NewInvestigator(s).Investigate(context.Background(), []uuid.UUID{a, b})
	require.NoError(t, err)

	require.Len(t, result.AttackPatterns, 1)
	assert.Equal(t, "Compromise Followed by Data Exfiltration", result.AttackPatterns[0].Name)
	assert.Equal(t, 0.9, result.AttackPatterns[0].Confidence)
	assert.True(t, result.Impact.DataAtRisk)
	assert.Equal(t, 2, result.Impact.SystemsAffected)
	assert.Equal(t, []string{"GDPR", "SOC 2"}, result.Impact.ComplianceImpact)
	assert.InDelta(t, 60000.0, result.Impact.EstimatedCost, 1e-9)
}

func TestInvestigate_PIIContext(t *testing.T) {
	s := store.NewEventStore()
	ev := &schema.SecurityEvent{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Type:      schema.EventPolicyViolation,
		Severity:  schema.SeverityLow,
		Source:    "dlp",
		Metadata:  schema.EventMetadata{Context: map[string]any{"containsPII": true}},
	}
	s.Append(ev)

	result, err := NewInvestigator(s).Investigate(context.Background(), []uuid.UUID{ev.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"CCPA", "GDPR"}, result.Impact.ComplianceImpact)
	assert.Equal(t, "medium", result.Impact.RiskLevel)
	assert.Empty(t, result.AttackPatterns)
}

func TestInvestigate_UnknownIDs(t *testing.T) {
	inv := NewInvestigator(store.NewEventStore())

	_, err := inv.Investigate(context.Background(), []uuid.UUID{uuid.New()})
	assert.True(t, secerrors.IsNotFound(err))

	_, err = inv.Investigate(context.Background(), nil)
	assert.True(t, secerrors.IsNotFound(err))
	assert.Empty(t, inv.List())
}

func TestInvestigate_SkipsUnresolved(t *testing.T) {
	s := store.NewEventStore()
	id := seed(t, s, schema.EventMalwareDetected, schema.SeverityHigh, "edr", time.Now())

	result, err := NewInvestigator(s).Investigate(context.Background(), []uuid.UUID{uuid.New(), id})
	require.NoError(t, err)
	assert.Len(t, result.Events, 1)
}

func TestInvestigator_StatusAndLookup(t *testing.T) {
	s := store.NewEventStore()
	id := seed(t, s, schema.EventMalwareDetected, schema.SeverityHigh, "edr", time.Now())
	inv := NewInvestigator(s)

	first, err := inv.Investigate(context.Background(), []uuid.UUID{id})
	require.NoError(t, err)
	second, err := inv.Investigate(context.Background(), []uuid.UUID{id})
	require.NoError(t, err)

	list := inv.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	updated, err := inv.UpdateStatus(first.ID, InvestigationCompleted)
	require.NoError(t, err)
	assert.Equal(t, InvestigationCompleted, updated.Status)

	_, err = inv.UpdateStatus(first.ID, InvestigationActive)
	assert.True(t, secerrors.IsValidation(err))

	_, err = inv.UpdateStatus(first.ID, "closed")
	assert.True(t, secerrors.IsValidation(err))

	_, err = inv.UpdateStatus(uuid.New(), InvestigationArchived)
	assert.True(t, secerrors.IsNotFound(err))

	got, err := inv.Get(first.ID)
	require.NoError(t, err)
	got.Events[0].Source = "mutated"
	again, _ := inv.Get(first.ID)
	assert.Equal(t, "edr", again.Events[0].Source)
}

func TestInvestigate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewInvestigator(store.NewEventStore()).Investigate(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvestigator_CleanupDropsOldClosedInvestigations(t *testing.T) {
	s := store.NewEventStore()
	id := seed(t, s, schema.EventMalwareDetected, schema.SeverityHigh, "edr", time.Now())
	inv := NewInvestigator(s)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inv.now = func() time.Time { return clock }

	open := func() uuid.UUID {
		r, err := inv.Investigate(context.Background(), []uuid.UUID{id})
		require.NoError(t, err)
		return r.ID
	}
	active, archived, completed, fresh := open(), open(), open(), open()
	_, err := inv.UpdateStatus(archived, InvestigationArchived)
	require.NoError(t, err)
	_, err = inv.UpdateStatus(completed, InvestigationCompleted)
	require.NoError(t, err)

	clock = clock.Add(48 * time.Hour)
	_, err = inv.UpdateStatus(fresh, InvestigationArchived)
	require.NoError(t, err)

	removed := inv.Cleanup(24 * time.Hour)
	require.Len(t, removed, 2)
	assert.ElementsMatch(t, []uuid.UUID{archived, completed}, []uuid.UUID{removed[0].ID, removed[1].ID})

	_, err = inv.Get(archived)
	assert.True(t, secerrors.IsNotFound(err))
	for _, keep := range []uuid.UUID{active, fresh} {
		_, err := inv.Get(keep)
		assert.NoError(t, err)
	}
	assert.Len(t, inv.List(), 2)
}
