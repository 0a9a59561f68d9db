package app

import (
	"context"
	"testing"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountDirectory_Lookup(t *testing.T) {
	container := newLocalContainer(t)
	ctx := context.Background()
	directory := &accountDirectory{accounts: container.AccountRepo}

	ownerID := uuid.New()
	account := domain.NewBillingAccount(domain.OwnerInstitution, ownerID, "admin@school.example", "Lingua School", time.Now())
	require.NoError(t, container.AccountRepo.Save(ctx, account))

	recipient, ok, err := directory.Lookup(ctx, ownerID, map[string]string{"owner_type": "INSTITUTION"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "admin@school.example", recipient.Email)
	assert.Equal(t, "Lingua School", recipient.Name)

	_, ok, err = directory.Lookup(ctx, ownerID, map[string]string{"owner_type": "STUDENT"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = directory.Lookup(ctx, ownerID, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
