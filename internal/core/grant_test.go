package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validGrant() *Grant {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return &Grant{
		ID:             "grant-1",
		ChildUserID:    "child-1",
		FamilyID:       "family-1",
		GrantedMinutes: 30,
		GrantedAt:      now,
		ExpiresAt:      now.Add(2 * time.Hour),
		Status:         GrantStatusActive,
	}
}

func TestGrant_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(g *Grant)
		wantErr error
	}{
		{name: "valid", mutate: func(g *Grant) {}},
		{name: "missing id", mutate: func(g *Grant) { g.ID = "" }, wantErr: ErrMissingGrantID},
		{name: "missing child", mutate: func(g *Grant) { g.ChildUserID = "" }, wantErr: ErrMissingChildID},
		{name: "negative granted", mutate: func(g *Grant) { g.GrantedMinutes = -1 }, wantErr: ErrNegativeMinutes},
		{name: "negative used", mutate: func(g *Grant) { g.UsedMinutes = -5 }, wantErr: ErrNegativeMinutes},
		{name: "unknown status", mutate: func(g *Grant) { g.Status = "paused" }, wantErr: ErrUnknownStatus},
		{
			name:    "expiry before grant",
			mutate:  func(g *Grant) { g.ExpiresAt = g.GrantedAt.Add(-time.Minute) },
			wantErr: ErrExpiryBeforeGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := validGrant()
			tt.mutate(g)
			err := g.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestGrant_RemainingMinutes(t *testing.T) {
	g := validGrant()
	g.UsedMinutes = 10
	assert.Equal(t, 20, g.RemainingMinutes())

	g.UsedMinutes = 45
	assert.Equal(t, 0, g.RemainingMinutes(), "remaining minutes clamp to zero")
}

func TestGrant_IsExpiredAt(t *testing.T) {
	g := validGrant()
	assert.False(t, g.IsExpiredAt(g.ExpiresAt.Add(-time.Second)))
	assert.True(t, g.IsExpiredAt(g.ExpiresAt))
	assert.True(t, g.IsExpiredAt(g.ExpiresAt.Add(time.Minute)))

	g.ExpiresAt = time.Time{}
	assert.False(t, g.IsExpiredAt(time.Now()), "no expiry means never expired")
}

func TestCausallyAfter(t *testing.T) {
	active := validGrant()
	active.Version = 5

	revoked := validGrant()
	revoked.Status = GrantStatusRevoked
	revoked.Version = 2

	// Revoked outranks a higher-versioned active
	assert.True(t, CausallyAfter(revoked, active))
	assert.False(t, CausallyAfter(active, revoked))

	newer := validGrant()
	newer.Version = 6
	assert.True(t, CausallyAfter(newer, active))
	assert.False(t, CausallyAfter(active, newer))

	sameVersion := validGrant()
	sameVersion.Version = 5
	sameVersion.UpdatedAt = active.UpdatedAt.Add(time.Second)
	assert.True(t, CausallyAfter(sameVersion, active))
	assert.False(t, CausallyAfter(active, active), "a version is not after itself")
}

func TestCausallyAfter_AcrossGrants(t *testing.T) {
	older := validGrant()
	older.ID = "g1"
	older.Version = 9

	later := validGrant()
	later.ID = "g2"
	later.GrantedAt = older.GrantedAt.Add(time.Minute)
	later.Version = 1

	// Grant time decides before versions of unrelated rows
	assert.True(t, CausallyAfter(later, older))
	assert.False(t, CausallyAfter(older, later))

	twin := validGrant()
	twin.ID = "g0"
	twin.Version = 9
	assert.True(t, CausallyAfter(older, twin), "ID settles a full tie")
	assert.False(t, CausallyAfter(twin, older))
}

func TestNormalizeBundleIDs(t *testing.T) {
	assert.Nil(t, NormalizeBundleIDs(nil))
	assert.Equal(t, []string{}, NormalizeBundleIDs([]string{}))
	assert.Equal(t,
		[]string{"com.a", "com.b"},
		NormalizeBundleIDs([]string{"com.b", "", "com.a", "com.b"}),
	)
	assert.Equal(t,
		[]Category{"education", "games"},
		NormalizeCategories([]Category{"games", "education", "games"}),
	)
}

func TestGrant_Clone(t *testing.T) {
	g := validGrant()
	g.AllowedAppBundleIDs = []string{"com.a"}
	task := "task-1"
	g.SourceTaskID = &task

	c := g.Clone()
	c.AllowedAppBundleIDs[0] = "com.changed"
	*c.SourceTaskID = "task-2"

	assert.Equal(t, "com.a", g.AllowedAppBundleIDs[0])
	assert.Equal(t, "task-1", *g.SourceTaskID)
}
