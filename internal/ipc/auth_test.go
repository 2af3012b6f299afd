package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenMinter_MintAndVerify(t *testing.T) {
	m := NewTokenMinter("secret", time.Hour)
	token, err := m.Mint()
	require.NoError(t, err)
	assert.NoError(t, m.Verify(token))
}

func TestTokenMinter_RejectsWrongSecret(t *testing.T) {
	m1 := NewTokenMinter("secret-one", time.Hour)
	m2 := NewTokenMinter("secret-two", time.Hour)
	token, err := m1.Mint()
	require.NoError(t, err)
	assert.Error(t, m2.Verify(token))
}

func TestTokenMinter_RejectsExpiredToken(t *testing.T) {
	m := NewTokenMinter("secret", -time.Second)
	token, err := m.Mint()
	require.NoError(t, err)
	assert.Error(t, m.Verify(token))
}

func TestTokenMinter_RejectsGarbage(t *testing.T) {
	m := NewTokenMinter("secret", time.Hour)
	assert.Error(t, m.Verify("not-a-token"))
}
