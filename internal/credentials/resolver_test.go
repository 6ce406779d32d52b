package credentials

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsebet/ledgersync/internal/domain"
)

type fakeTenantRepo struct {
	tenants  map[int64]*domain.Tenant
	topLevel []domain.Tenant
}

func (f *fakeTenantRepo) GetByID(_ context.Context, id int64) (*domain.Tenant, error) {
	return f.tenants[id], nil
}

func (f *fakeTenantRepo) ListTopLevel(context.Context) ([]domain.Tenant, error) {
	return f.topLevel, nil
}

func (f *fakeTenantRepo) UpdateBalance(context.Context, int64, float64) error { return nil }

func nullInt(v int64) sql.NullInt64 { return sql.NullInt64{Int64: v, Valid: true} }

func nullStr(v string) sql.NullString { return sql.NullString{String: v, Valid: v != ""} }

func tenant(id int64, tier int, parent int64, opcode, secret, token string) *domain.Tenant {
	t := &domain.Tenant{
		ID:     id,
		Name:   "t" + string(rune('0'+id)),
		Tier:   tier,
		Opcode: nullStr(opcode),
		Secret: nullStr(secret),
		Token:  nullStr(token),
	}
	if parent != 0 {
		t.ParentID = nullInt(parent)
	}
	return t
}

func TestResolve_OwnBundle(t *testing.T) {
	repo := &fakeTenantRepo{tenants: map[int64]*domain.Tenant{}}
	r := NewResolver(repo, 10)

	head := tenant(5, 2, 0, "OP5", "sec5", "tok5")
	res, err := r.Resolve(context.Background(), head)
	require.NoError(t, err)

	assert.False(t, res.Fanout)
	require.Len(t, res.Bundles, 1)
	assert.Equal(t, "OP5", res.Bundles[0].Opcode)
	assert.Equal(t, int64(5), res.Bundles[0].TenantID)
}

func TestResolve_InheritsFromParent(t *testing.T) {
	// Tenant A (mid-tier, no credentials) points at tenant B (head office,
	// complete bundle): resolve(A) returns B's bundle.
	b := tenant(1, 1, 0, "OPB", "secB", "tokB")
	a := tenant(2, 2, 1, "", "", "")
	repo := &fakeTenantRepo{tenants: map[int64]*domain.Tenant{1: b, 2: a}}
	r := NewResolver(repo, 10)

	res, err := r.Resolve(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, res.Bundles, 1)
	assert.Equal(t, "OPB", res.Bundles[0].Opcode)
	assert.Equal(t, int64(1), res.Bundles[0].TenantID)
}

func TestResolve_PartialBundleNotCredentials(t *testing.T) {
	// Opcode without a token does not authorize calls; the walk continues.
	grand := tenant(1, 1, 0, "OPG", "secG", "tokG")
	parent := tenant(2, 2, 1, "OPP", "", "")
	child := tenant(3, 3, 2, "", "", "")
	repo := &fakeTenantRepo{tenants: map[int64]*domain.Tenant{1: grand, 2: parent, 3: child}}
	r := NewResolver(repo, 10)

	res, err := r.Resolve(context.Background(), child)
	require.NoError(t, err)
	require.Len(t, res.Bundles, 1)
	assert.Equal(t, "OPG", res.Bundles[0].Opcode)
}

func TestResolve_ChainExhausted(t *testing.T) {
	top := tenant(1, 1, 0, "", "", "")
	child := tenant(2, 2, 1, "", "", "")
	repo := &fakeTenantRepo{tenants: map[int64]*domain.Tenant{1: top, 2: child}}
	r := NewResolver(repo, 10)

	_, err := r.Resolve(context.Background(), child)
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}

func TestResolve_MissingParent(t *testing.T) {
	child := tenant(2, 2, 99, "", "", "")
	repo := &fakeTenantRepo{tenants: map[int64]*domain.Tenant{2: child}}
	r := NewResolver(repo, 10)

	_, err := r.Resolve(context.Background(), child)
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}

func TestResolve_DepthLimitStopsCycle(t *testing.T) {
	// Corrupt data: 1 -> 2 -> 1. The walk must terminate with
	// ErrCredentialNotFound instead of looping.
	one := tenant(1, 2, 2, "", "", "")
	two := tenant(2, 2, 1, "", "", "")
	repo := &fakeTenantRepo{tenants: map[int64]*domain.Tenant{1: one, 2: two}}
	r := NewResolver(repo, 5)

	_, err := r.Resolve(context.Background(), one)
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}

func TestResolve_RootFanout(t *testing.T) {
	root := tenant(1, domain.RootTier, 0, "OPROOT", "secR", "tokR")
	repo := &fakeTenantRepo{
		tenants: map[int64]*domain.Tenant{1: root},
		topLevel: []domain.Tenant{
			*tenant(10, 1, 1, "OP10", "s10", "t10"),
			*tenant(11, 1, 1, "", "", ""), // uncredentialed, excluded
			*tenant(12, 1, 1, "OP12", "s12", "t12"),
		},
	}
	r := NewResolver(repo, 10)

	res, err := r.Resolve(context.Background(), root)
	require.NoError(t, err)
	assert.True(t, res.Fanout)
	require.Len(t, res.Bundles, 3)
	assert.Equal(t, "OPROOT", res.Bundles[0].Opcode)
	assert.Equal(t, "OP10", res.Bundles[1].Opcode)
	assert.Equal(t, "OP12", res.Bundles[2].Opcode)
}

func TestResolve_RootWithNoBundlesAnywhere(t *testing.T) {
	root := tenant(1, domain.RootTier, 0, "", "", "")
	repo := &fakeTenantRepo{tenants: map[int64]*domain.Tenant{1: root}}
	r := NewResolver(repo, 10)

	_, err := r.Resolve(context.Background(), root)
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}
