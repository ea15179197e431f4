package middleware

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/classlane/change-sync/config"
	"github.com/tv42/zbase32"
)

const (
	TenantIDHeader    = "X-Tenant-Id"
	DeviceIDHeader    = "X-Device-Id"
	RolesHeader       = "X-Roles"
	RequestTimeHeader = "X-Request-Time"
	SignatureHeader   = "X-Signature"
)

var ErrInternalError = fmt.Errorf("internal error")
var ErrInvalidSignature = fmt.Errorf("invalid signature")
var SignedMsgPrefix = []byte("changesync:")

// Identity is the caller context supplied by the auth boundary. The user ID
// is the hex-encoded compressed public key recovered from the request
// signature, so a device proves ownership of its user key on every request.
type Identity struct {
	TenantID string
	UserID   string
	DeviceID string
	Roles    []string
}

func checkApiKey(config *config.Config, r *http.Request) error {
	if config.CACert == nil {
		return nil
	}

	authHeader := r.Header.Get("Authorization")
	if len(authHeader) <= 7 || !strings.HasPrefix(authHeader, "Bearer ") {
		return fmt.Errorf("invalid auth header")
	}

	apiKey := authHeader[7:]
	block, err := base64.StdEncoding.DecodeString(apiKey)
	if err != nil {
		return fmt.Errorf("could not decode auth header: %v", err)
	}

	cert, err := x509.ParseCertificate(block)
	if err != nil {
		return fmt.Errorf("could not parse certificate: %v", err)
	}

	rootPool := x509.NewCertPool()
	rootPool.AddCert(config.CACert.Raw)

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots: rootPool,
	})
	if err != nil {
		return fmt.Errorf("certificate verification error: %v", err)
	}
	if len(chains) != 1 || len(chains[0]) != 2 || !chains[0][0].Equal(cert) || !chains[0][1].Equal(config.CACert.Raw) {
		return fmt.Errorf("certificate verification error: invalid chain of trust")
	}

	return nil
}

// Authenticate verifies the request signature and returns the caller identity.
// Works for plain REST requests and for WebSocket upgrade requests alike.
func Authenticate(config *config.Config, r *http.Request) (*Identity, error) {
	if err := checkApiKey(config, r); err != nil {
		return nil, err
	}

	tenantID := r.Header.Get(TenantIDHeader)
	deviceID := r.Header.Get(DeviceIDHeader)
	roles := r.Header.Get(RolesHeader)
	requestTime := r.Header.Get(RequestTimeHeader)
	signature := r.Header.Get(SignatureHeader)
	if tenantID == "" || deviceID == "" {
		return nil, fmt.Errorf("missing tenant or device header")
	}

	toVerify := SignRequest(tenantID, deviceID, roles, requestTime)
	pubkey, err := VerifyMessage([]byte(toVerify), signature)
	if err != nil {
		return nil, err
	}

	identity := &Identity{
		TenantID: tenantID,
		UserID:   hex.EncodeToString(pubkey.SerializeCompressed()),
		DeviceID: deviceID,
	}
	if roles != "" {
		identity.Roles = strings.Split(roles, ",")
	}
	return identity, nil
}

// SignRequest builds the canonical string covered by the request signature.
func SignRequest(tenantID, deviceID, roles, requestTime string) string {
	return fmt.Sprintf("%v-%v-%v-%v", tenantID, deviceID, roles, requestTime)
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(SignedMsgPrefix, msg...)
	digest := chainhash.DoubleHashB(message)
	signture, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %v", err)
	}
	sig := zbase32.EncodeToString(signture)
	return sig, nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %v", err)
	}

	msg := append(SignedMsgPrefix, message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
