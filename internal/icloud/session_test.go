package icloud

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_MergeCookies_ReplacesByName(t *testing.T) {
	s := NewSession("user@example.com", "client-id")

	s.MergeCookies([]*http.Cookie{
		{Name: "X-APPLE-WEBAUTH-TOKEN", Value: "v1"},
		{Name: "X-APPLE-DS-WEB-SESSION-TOKEN", Value: "w1"},
	})
	s.MergeCookies([]*http.Cookie{
		{Name: "X-APPLE-WEBAUTH-TOKEN", Value: "v2"},
	})

	assert.Equal(t, "X-APPLE-WEBAUTH-TOKEN=v2; X-APPLE-DS-WEB-SESSION-TOKEN=w1", s.CookieHeader())
}

func TestSession_AbsorbHeaders(t *testing.T) {
	s := NewSession("user@example.com", "client-id")

	h := http.Header{}
	h.Set("X-Apple-ID-Session-Id", "sid")
	h.Set("scnt", "scnt-value")
	h.Set("X-Apple-Session-Token", "tok")
	h.Set("X-Apple-TwoSV-Trust-Token", "trust")

	s.AbsorbHeaders(h)

	assert.Equal(t, "sid", s.SessionID)
	assert.Equal(t, "scnt-value", s.Scnt)
	assert.Equal(t, "tok", s.SessionToken)
	assert.Equal(t, "trust", s.TrustToken)

	// Absent headers must not clear previously absorbed state.
	s.AbsorbHeaders(http.Header{})
	assert.Equal(t, "sid", s.SessionID)
}

func TestSession_AuthHeaders_EchoesCollectedState(t *testing.T) {
	s := NewSession("user@example.com", "client-id")
	s.SessionID = "sid"
	s.Scnt = "scnt-value"

	h := s.AuthHeaders()

	assert.Equal(t, "client-id", h.Get("X-Apple-OAuth-Client-Id"))
	assert.Equal(t, "sid", h.Get("X-Apple-ID-Session-Id"))
	assert.Equal(t, "scnt-value", h.Get("scnt"))
	assert.Empty(t, h.Get("X-Apple-Auth-Attributes"))
}

func TestSession_Ready(t *testing.T) {
	s := NewSession("user@example.com", "client-id")
	assert.False(t, s.Ready())

	s.SessionToken = "tok"
	assert.False(t, s.Ready(), "a token without cookies is not enough")

	s.MergeCookies([]*http.Cookie{{Name: "a", Value: "b"}})
	assert.True(t, s.Ready())
}

func TestSession_SaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := NewSession("user@example.com", "client-id")
	s.SessionToken = "tok"
	s.Dsid = "12345"
	s.TrustToken = "trust"
	s.PhotosEndpoint = "https://p42-ckdatabasews.icloud.com/database/1/com.apple.photos.cloud/production/private"
	s.MergeCookies([]*http.Cookie{{Name: "X-APPLE-WEBAUTH-TOKEN", Value: "v"}})

	require.NoError(t, s.Save(dir))

	loaded, err := LoadSession(dir, "user@example.com")
	require.NoError(t, err)

	assert.Equal(t, "tok", loaded.SessionToken)
	assert.Equal(t, "12345", loaded.Dsid)
	assert.Equal(t, "trust", loaded.TrustToken)
	assert.Equal(t, s.PhotosEndpoint, loaded.PhotosEndpoint)
	assert.Equal(t, "X-APPLE-WEBAUTH-TOKEN=v", loaded.CookieHeader())
}

func TestSession_Save_RestrictsPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}

	dir := t.TempDir()

	s := NewSession("user@example.com", "client-id")
	require.NoError(t, s.Save(dir))

	info, err := os.Stat(filepath.Join(dir, "user@example.com.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadSession_MissingJar(t *testing.T) {
	_, err := LoadSession(t.TempDir(), "nobody@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
