package aclstore_test

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/portxferd/internal/aclstore"
)

func TestAllowListAdmitsOnlyListedAddresses(t *testing.T) {
	s := aclstore.New(aclstore.AllowList, "allow.json", "deny.json")
	s.Add(aclstore.AllowList, net.ParseIP("10.0.0.1"))

	assert.True(t, s.Admit(net.ParseIP("10.0.0.1")))
	assert.False(t, s.Admit(net.ParseIP("10.0.0.2")))
}

func TestDenyListAdmitsEverythingExceptListed(t *testing.T) {
	s := aclstore.New(aclstore.DenyList, "allow.json", "deny.json")
	s.Add(aclstore.DenyList, net.ParseIP("10.0.0.1"))

	assert.False(t, s.Admit(net.ParseIP("10.0.0.1")))
	assert.True(t, s.Admit(net.ParseIP("10.0.0.2")))
}

func TestSwitchTogglesActiveMode(t *testing.T) {
	s := aclstore.New(aclstore.AllowList, "allow.json", "deny.json")

	assert.Equal(t, aclstore.AllowList, s.Active())

	got := s.Switch()
	assert.Equal(t, aclstore.DenyList, got)
	assert.Equal(t, aclstore.DenyList, s.Active())

	got = s.Switch()
	assert.Equal(t, aclstore.AllowList, got)
}

func TestRemoveDeletesAddress(t *testing.T) {
	s := aclstore.New(aclstore.AllowList, "allow.json", "deny.json")
	ip := net.ParseIP("10.0.0.1")

	s.Add(aclstore.AllowList, ip)
	assert.True(t, s.Admit(ip))

	s.Remove(aclstore.AllowList, ip)
	assert.False(t, s.Admit(ip))
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()

	s := aclstore.New(aclstore.AllowList, "allow.json", "deny.json")
	s.Add(aclstore.AllowList, net.ParseIP("10.0.0.1"))
	s.Add(aclstore.DenyList, net.ParseIP("10.0.0.2"))

	require.NoError(t, s.Save(dir))

	reloaded := aclstore.New(aclstore.AllowList, "allow.json", "deny.json")
	require.NoError(t, reloaded.Load(dir))

	assert.ElementsMatch(t, []string{"10.0.0.1"}, reloaded.List(aclstore.AllowList))
	assert.ElementsMatch(t, []string{"10.0.0.2"}, reloaded.List(aclstore.DenyList))
}

func TestLoadMissingFilesYieldsEmptySets(t *testing.T) {
	dir := t.TempDir()

	s := aclstore.New(aclstore.AllowList, "allow.json", "deny.json")
	require.NoError(t, s.Load(filepath.Join(dir, "does-not-exist")))

	assert.Empty(t, s.List(aclstore.AllowList))
	assert.Empty(t, s.List(aclstore.DenyList))
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "ALLOW_LIST", aclstore.AllowList.String())
	assert.Equal(t, "DENY_LIST", aclstore.DenyList.String())
}
