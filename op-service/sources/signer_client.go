package sources

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
)

var (
	ErrConnection        = errors.New("signing network unreachable")
	ErrAuthorization     = errors.New("signing network authorization failed")
	ErrCapabilityDenied  = errors.New("capability denied")
	ErrCapabilityExpired = errors.New("capability expired")
)

const (
	MethodHandshake         = "signer_handshake"
	MethodMintDelegate      = "signer_mintDelegate"
	MethodRequestCapability = "signer_requestCapability"
	MethodExecuteAction     = "signer_executeAction"
)

type SignerConfig struct {
	Endpoint      string
	CapabilityTTL time.Duration
}

func SignerDefaultConfig() *SignerConfig {
	return &SignerConfig{
		Endpoint:      "",
		CapabilityTTL: 24 * time.Hour,
	}
}

// SignerClient talks to the capability-gated remote signing network.
// Connect must succeed before any other network call.
type SignerClient struct {
	log    log.Logger
	config *SignerConfig
	now    func() time.Time

	mu  sync.RWMutex
	rpc *rpc.Client
}

func NewSignerClient(log log.Logger, config *SignerConfig) *SignerClient {
	return &SignerClient{
		log:    log,
		config: config,
		now:    time.Now,
	}
}

func (s *SignerClient) Enabled() bool {
	return s.config.Endpoint != ""
}

// Connect dials the signing network and performs the handshake.
func (s *SignerClient) Connect(ctx context.Context) (*Session, error) {
	if !s.Enabled() {
		return nil, errors.Wrap(ErrConnection, "no signing network endpoint configured")
	}
	client, err := rpc.DialContext(ctx, s.config.Endpoint)
	if err != nil {
		return nil, errors.Wrapf(ErrConnection, "dial %s: %v", s.config.Endpoint, err)
	}

	var session Session
	if err := client.CallContext(ctx, &session, MethodHandshake); err != nil {
		client.Close()
		return nil, classify("handshake", err)
	}
	if session.Nonce == "" {
		client.Close()
		return nil, errors.Wrap(ErrConnection, "handshake returned no challenge nonce")
	}

	s.mu.Lock()
	if s.rpc != nil {
		s.rpc.Close()
	}
	s.rpc = client
	s.mu.Unlock()

	s.log.Info("Connected to signing network", "network", session.Network, "issuer", session.Issuer)
	return &session, nil
}

// Authorize signs the session challenge with the controlling key. It makes no
// network call.
func (s *SignerClient) Authorize(session *Session, key *ecdsa.PrivateKey) (*AuthMethod, error) {
	if session == nil || session.Nonce == "" {
		return nil, errors.Wrap(ErrAuthorization, "no session challenge to sign")
	}
	if key == nil {
		return nil, errors.Wrap(ErrAuthorization, "no controlling key")
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	msg := challengeMessage(session, addr.Hex(), s.now())

	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return nil, errors.Wrapf(ErrAuthorization, "sign challenge: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	token, err := json.Marshal(AuthSig{
		Sig:           sig,
		DerivedVia:    "web3.eth.personal.sign",
		SignedMessage: msg,
		Address:       addr,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode auth sig")
	}
	return &AuthMethod{Type: AuthMethodEthWallet, AccessToken: string(token)}, nil
}

func challengeMessage(session *Session, address string, issuedAt time.Time) string {
	return fmt.Sprintf("%s wants you to authorize with your Ethereum account:\n%s\n\nNetwork: %s\nNonce: %s\nIssued At: %s",
		session.Issuer, address, session.Network, session.Nonce, issuedAt.UTC().Format(time.RFC3339))
}

// MintDelegate asks the network to mint a new delegated signer owned by auth.
func (s *SignerClient) MintDelegate(ctx context.Context, auth *AuthMethod) (*DelegatedSigner, error) {
	var minted DelegatedSigner
	if err := s.call(ctx, "mint delegate", &minted, MethodMintDelegate, auth); err != nil {
		return nil, err
	}
	derived, err := DelegatedSignerFromPublicKey(minted.PublicKey)
	if err != nil {
		return nil, err
	}
	if derived.Address != minted.Address {
		return nil, fmt.Errorf("minted signer address %s does not match its public key (%s)", minted.Address, derived.Address)
	}
	derived.TokenID = minted.TokenID
	return derived, nil
}

type capabilityRequest struct {
	PublicKey   hexutil.Bytes    `json:"publicKey"`
	AuthMethods []*AuthMethod    `json:"authMethods"`
	Abilities   []AbilityRequest `json:"abilities"`
	Expiration  string           `json:"expiration"`
}

type capabilityResponse struct {
	Credential string `json:"credential"`
}

// AcquireCapability requests a credential over exactly the given abilities for
// signer. Grants that do not cover every requested ability are rejected.
func (s *SignerClient) AcquireCapability(ctx context.Context, signer *DelegatedSigner, auth *AuthMethod, abilities []AbilityRequest) (*CapabilityCredential, error) {
	if signer == nil || auth == nil {
		return nil, errors.Wrap(ErrAuthorization, "missing signer or auth method")
	}
	if len(abilities) == 0 {
		return nil, errors.New("no abilities requested")
	}

	req := capabilityRequest{
		PublicKey:   signer.PublicKey,
		AuthMethods: []*AuthMethod{auth},
		Abilities:   abilities,
		Expiration:  s.now().Add(s.config.CapabilityTTL).UTC().Format(time.RFC3339),
	}
	var resp capabilityResponse
	if err := s.call(ctx, "request capability", &resp, MethodRequestCapability, req); err != nil {
		return nil, err
	}

	cred, err := parseCredential(resp.Credential)
	if err != nil {
		return nil, errors.Wrap(ErrAuthorization, err.Error())
	}
	if cred.Expired(s.now()) {
		return nil, errors.Wrapf(ErrCapabilityExpired, "issued credential expired at %s", cred.Expiry)
	}
	for _, want := range abilities {
		if !cred.Allows(want.Resource, want.Ability) {
			return nil, errors.Wrapf(ErrCapabilityDenied, "grant does not cover %s", want)
		}
	}
	if extra := excessGrants(cred.Abilities, abilities); len(extra) > 0 {
		s.log.Warn("Capability grant exceeds request", "subject", cred.Subject, "extra", extra)
	}
	s.log.Info("Acquired capability", "subject", cred.Subject, "abilities", len(cred.Abilities), "expiry", cred.Expiry)
	return cred, nil
}

// excessGrants lists granted abilities that match no requested ability exactly.
func excessGrants(granted, requested []AbilityRequest) []string {
	want := make(map[AbilityRequest]struct{}, len(requested))
	for _, r := range requested {
		want[r] = struct{}{}
	}
	var extra []string
	for _, g := range granted {
		if _, ok := want[g]; !ok {
			extra = append(extra, g.String())
		}
	}
	return extra
}

type executeActionRequest struct {
	Credential string         `json:"credential"`
	Action     ActionRef      `json:"action"`
	Params     map[string]any `json:"params"`
}

// Invoke runs a remote action under cred. Every call re-presents the
// credential; expired or insufficient credentials fail before any network call.
func (s *SignerClient) Invoke(ctx context.Context, cred *CapabilityCredential, call ActionCall) (*ActionResult, error) {
	if cred == nil {
		return nil, errors.Wrap(ErrCapabilityDenied, "no credential")
	}
	if cred.Expired(s.now()) {
		return nil, errors.Wrapf(ErrCapabilityExpired, "credential expired at %s", cred.Expiry)
	}
	for _, need := range call.Requires {
		if !cred.Allows(need.Resource, need.Ability) {
			return nil, errors.Wrapf(ErrCapabilityDenied, "action %s requires %s", call.Action.ID(), need)
		}
	}

	var result ActionResult
	err := s.call(ctx, "execute "+call.Action.ID(), &result, MethodExecuteAction, executeActionRequest{
		Credential: cred.Token,
		Action:     call.Action,
		Params:     call.Params,
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *SignerClient) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rpc != nil {
		s.rpc.Close()
		s.rpc = nil
	}
}

func (s *SignerClient) call(ctx context.Context, step string, result any, method string, args ...any) error {
	s.mu.RLock()
	client := s.rpc
	s.mu.RUnlock()
	if client == nil {
		return errors.Wrapf(ErrConnection, "%s: not connected", step)
	}
	if err := client.CallContext(ctx, result, method, args...); err != nil {
		return classify(step, err)
	}
	return nil
}

// classify maps a transport or remote error onto the client's failure kinds.
func classify(step string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case CodeUnauthorized:
			return errors.Wrapf(ErrAuthorization, "%s: %s", step, rpcErr.Error())
		case CodeCapabilityDenied:
			return errors.Wrapf(ErrCapabilityDenied, "%s: %s", step, rpcErr.Error())
		case CodeCapabilityExpired:
			return errors.Wrapf(ErrCapabilityExpired, "%s: %s", step, rpcErr.Error())
		}
		return fmt.Errorf("%s: %w", step, err)
	}
	return errors.Wrapf(ErrConnection, "%s: %v", step, err)
}
