package portal

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credportal/internal/models"
	"credportal/internal/storage"
)

// assertSingleBucket checks that no address is both pending and approved.
func assertSingleBucket(t *testing.T, s *Service) {
	t.Helper()
	pending, err := s.Pending()
	require.NoError(t, err)
	approved, err := s.Approved()
	require.NoError(t, err)
	for _, p := range pending {
		assert.Equal(t, -1, findUser(approved, p.Address), "%s is both pending and approved", p.Address)
	}
}

func TestApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SelectRole(ctx, RoleRequest{Address: uniAddr, Role: "institution"})
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, studentAddr, uniAddr)
	assert.ErrorIs(t, err, ErrForbidden)

	rec, err := f.svc.Approve(ctx, adminAddr, uniAddr)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, rec.Status)
	assert.Equal(t, adminAddr, rec.DecidedBy)

	pending, err := f.svc.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	approved, err := f.svc.Approved()
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, models.StatusApproved, approved[0].Status)
	assert.NotEmpty(t, approved[0].IPFSHash, "decision is mirrored to the pinning service")

	role, ok, err := f.svc.ResolveRole(ctx, uniAddr)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.RoleInstitution, role)

	_, err = f.svc.Approve(ctx, adminAddr, uniAddr)
	assert.ErrorIs(t, err, ErrNotFound)
	assertSingleBucket(t, f.svc)
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, uniAddr, "institution")

	rec, err := f.svc.Reject(ctx, adminAddr, uniAddr, "  forged documents ")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rec.Status)
	assert.Equal(t, "forged documents", rec.Reason)

	_, ok, err := f.svc.ResolveRole(ctx, uniAddr)
	require.NoError(t, err)
	assert.False(t, ok)
	_, found, err := storage.Get[models.RoleRecord](f.store, storage.RoleKey(uniAddr))
	require.NoError(t, err)
	assert.False(t, found)

	pending, err := f.svc.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.StatusRejected, pending[0].Status)
	assertSingleBucket(t, f.svc)

	// A rejected address may ask again, for any role.
	again, err := f.svc.SelectRole(ctx, RoleRequest{Address: uniAddr, Role: "student"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, again.Status)
	assertSingleBucket(t, f.svc)

	_, err = f.svc.Reject(ctx, adminAddr, otherAddr, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentRoleRequestsKeepBucketsDisjoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var addrs []string
	for i := 0; i < 12; i++ {
		addrs = append(addrs, fmt.Sprintf("0x%040x", i+100))
	}

	var wg sync.WaitGroup
	for i, a := range addrs {
		wg.Add(1)
		go func(i int, a string) {
			defer wg.Done()
			role := "student"
			if i%2 == 0 {
				role = "institution"
			}
			_, _ = f.svc.SelectRole(ctx, RoleRequest{Address: a, Role: role})
			if i%4 == 0 {
				_, _ = f.svc.Approve(ctx, adminAddr, a)
			}
		}(i, a)
	}
	wg.Wait()

	pending, err := f.svc.Pending()
	require.NoError(t, err)
	approved, err := f.svc.Approved()
	require.NoError(t, err)
	assert.Len(t, pending, 3)
	assert.Len(t, approved, 9)
	assertSingleBucket(t, f.svc)
}
