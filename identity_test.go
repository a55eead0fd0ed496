package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadIdentityGeneratesEphemeralKey(t *testing.T) {
	id1, err := LoadIdentity(&Config{})
	require.NoError(t, err)
	id2, err := LoadIdentity(&Config{})
	require.NoError(t, err)

	assert.Len(t, id1.PubKey, 64)
	assert.True(t, strings.HasPrefix(id1.Npub, "npub1"))
	assert.NotEqual(t, id1.PubKey, id2.PubKey, "each generated identity is fresh")
}

func TestLoadIdentitySaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "proxy.nsec")
	cfg := &Config{NsecFile: path, SaveNsec: true}

	id1, err := LoadIdentity(cfg)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "nsec1"))

	// A second start with the same file resumes the same identity
	id2, err := LoadIdentity(cfg)
	require.NoError(t, err)
	assert.Equal(t, id1.PubKey, id2.PubKey)
	assert.Equal(t, id1.Npub, id2.Npub)
}

func TestLoadIdentityWithoutSaveDoesNotPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.nsec")
	_, err := LoadIdentity(&Config{NsecFile: path})
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadIdentityRejectsGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.nsec")
	require.NoError(t, os.WriteFile(path, []byte("this is not a key\n"), 0o600))

	_, err := LoadIdentity(&Config{NsecFile: path})
	assert.Error(t, err, "a corrupt key file must fail startup, not be overwritten")
}

func TestConversationKeyAgreesAcrossIdentities(t *testing.T) {
	a := testIdentity(t)
	b := testIdentity(t)

	keyAB, err := a.ConversationKey(b.PubKey)
	require.NoError(t, err)
	keyBA, err := b.ConversationKey(a.PubKey)
	require.NoError(t, err)
	assert.Equal(t, keyAB, keyBA)
}
