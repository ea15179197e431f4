package middleware

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/classlane/change-sync/config"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to generate key")

	msg := []byte("test message")
	signature, err := SignMessage(key, msg)
	require.NoError(t, err, "failed to sign message")

	pubkey, err := VerifyMessage(msg, signature)
	require.NoError(t, err, "failed to verify message")
	require.Equal(t, key.PubKey().SerializeCompressed(), pubkey.SerializeCompressed())

	// a tampered message recovers a different key
	other, err := VerifyMessage([]byte("other message"), signature)
	if err == nil {
		require.NotEqual(t, key.PubKey().SerializeCompressed(), other.SerializeCompressed())
	}
}

func signedRequest(t *testing.T, key *btcec.PrivateKey, tenantID, deviceID, roles string) *http.Request {
	requestTime := fmt.Sprint(time.Now().UnixMilli())
	signature, err := SignMessage(key, []byte(SignRequest(tenantID, deviceID, roles, requestTime)))
	require.NoError(t, err, "failed to sign request")

	r := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	r.Header.Set(TenantIDHeader, tenantID)
	r.Header.Set(DeviceIDHeader, deviceID)
	if roles != "" {
		r.Header.Set(RolesHeader, roles)
	}
	r.Header.Set(RequestTimeHeader, requestTime)
	r.Header.Set(SignatureHeader, signature)
	return r
}

func TestAuthenticate(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to generate key")

	r := signedRequest(t, key, "tenant-1", "device-a", "teacher,admin")
	identity, err := Authenticate(&config.Config{}, r)
	require.NoError(t, err, "authentication failed")
	require.Equal(t, "tenant-1", identity.TenantID)
	require.Equal(t, "device-a", identity.DeviceID)
	require.Equal(t, hex.EncodeToString(key.PubKey().SerializeCompressed()), identity.UserID)
	require.Equal(t, []string{"teacher", "admin"}, identity.Roles)
}

func TestAuthenticateRejectsTamperedHeaders(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to generate key")

	r := signedRequest(t, key, "tenant-1", "device-a", "")
	r.Header.Set(TenantIDHeader, "tenant-2")

	identity, err := Authenticate(&config.Config{}, r)
	if err == nil {
		// the signature recovers a key, but not the caller's
		require.NotEqual(t, hex.EncodeToString(key.PubKey().SerializeCompressed()), identity.UserID)
	}
}

func TestAuthenticateRequiresHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	_, err := Authenticate(&config.Config{}, r)
	require.Error(t, err)
}
