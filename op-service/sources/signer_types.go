package sources

import (
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
)

// Abilities understood by the remote signing network.
const (
	AbilityActionExecution = "action-execution"
	AbilitySignerSigning   = "signer-signing"
)

// Error codes returned by the remote signing network.
const (
	CodeUnauthorized      = -32010
	CodeCapabilityDenied  = -32011
	CodeCapabilityExpired = -32012
)

const AuthMethodEthWallet = "ethwallet"

// AbilityRequest names one ability on one resource pattern.
type AbilityRequest struct {
	Resource string `json:"resource"`
	Ability  string `json:"ability"`
}

func (a AbilityRequest) String() string {
	return a.Ability + "@" + a.Resource
}

// Session is the result of the handshake with the signing network.
type Session struct {
	Network string `json:"network"`
	Issuer  string `json:"issuer"`
	Nonce   string `json:"nonce"`
}

// AuthSig is a controlling identity's signature over the session challenge.
type AuthSig struct {
	Sig           hexutil.Bytes  `json:"sig"`
	DerivedVia    string         `json:"derivedVia"`
	SignedMessage string         `json:"signedMessage"`
	Address       common.Address `json:"address"`
}

type AuthMethod struct {
	Type        string `json:"authMethodType"`
	AccessToken string `json:"accessToken"`
}

// DelegatedSigner is a key pair held collectively by the signing network.
type DelegatedSigner struct {
	TokenID   string         `json:"tokenId"`
	PublicKey hexutil.Bytes  `json:"publicKey"`
	Address   common.Address `json:"address"`
}

// DelegatedSignerFromPublicKey derives the signer address from an uncompressed
// secp256k1 public key.
func DelegatedSignerFromPublicKey(pub []byte) (*DelegatedSigner, error) {
	key, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid delegated signer public key: %w", err)
	}
	return &DelegatedSigner{
		PublicKey: hexutil.Bytes(crypto.FromECDSAPub(key)),
		Address:   crypto.PubkeyToAddress(*key),
	}, nil
}

// CapabilityCredential is a bearer grant issued by the signing network.
// It lives in memory only.
type CapabilityCredential struct {
	Subject   string
	Abilities []AbilityRequest
	Expiry    time.Time
	Token     string
}

// Allows reports whether any granted resource pattern covers resource for ability.
func (c *CapabilityCredential) Allows(resource, ability string) bool {
	for _, granted := range c.Abilities {
		if granted.Ability != ability {
			continue
		}
		if ok, err := path.Match(granted.Resource, resource); err == nil && ok {
			return true
		}
	}
	return false
}

func (c *CapabilityCredential) Expired(now time.Time) bool {
	return !now.Before(c.Expiry)
}

// String never includes the token.
func (c *CapabilityCredential) String() string {
	return fmt.Sprintf("capability(subject=%s, abilities=%d, expiry=%s)", c.Subject, len(c.Abilities), c.Expiry.Format(time.RFC3339))
}

type capabilityClaims struct {
	jwt.RegisteredClaims
	Abilities []AbilityRequest `json:"abilities"`
}

// parseCredential reads a credential token without verifying its signature;
// verification belongs to the network that issued it.
func parseCredential(token string) (*CapabilityCredential, error) {
	var claims capabilityClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("malformed capability credential: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("capability credential has no subject")
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("capability credential has no expiry")
	}
	return &CapabilityCredential{
		Subject:   claims.Subject,
		Abilities: claims.Abilities,
		Expiry:    claims.ExpiresAt.Time,
		Token:     token,
	}, nil
}

// ActionRef identifies a versioned remote action.
type ActionRef struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	CodeHash string `json:"codeHash"`
}

func (a ActionRef) ID() string {
	return a.Name + "@" + a.Version
}

// ActionCall is one invocation of a remote action together with the abilities
// it needs.
type ActionCall struct {
	Action   ActionRef
	Params   map[string]any
	Requires []AbilityRequest
}

type ActionResult struct {
	Response json.RawMessage `json:"response"`
	Logs     string          `json:"logs,omitempty"`
}
