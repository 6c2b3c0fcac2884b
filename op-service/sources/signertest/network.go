// Package signertest provides an in-process signing network for tests.
package signertest

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/jinmel/gas-sponsor/op-service/sources"
)

type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string  { return e.msg }
func (e *rpcError) ErrorCode() int { return e.code }

type claims struct {
	jwt.RegisteredClaims
	Abilities []sources.AbilityRequest `json:"abilities"`
}

// ExecuteFunc handles an authorized action execution.
type ExecuteFunc func(action sources.ActionRef, params map[string]any) (json.RawMessage, error)

// Network is a fake signing network served over JSON-RPC.
type Network struct {
	URL string

	secret []byte
	nonce  string

	mu       sync.Mutex
	signers  map[string]*ecdsa.PrivateKey
	execute  ExecuteFunc
	grant    func([]sources.AbilityRequest) []sources.AbilityRequest
	ttl      time.Duration
	requests [][]sources.AbilityRequest

	Executions atomic.Int64
}

func NewNetwork(t testing.TB) *Network {
	n := &Network{
		secret:  []byte("signertest-secret"),
		nonce:   "0x" + strings.Repeat("ab", 32),
		signers: make(map[string]*ecdsa.PrivateKey),
		ttl:     time.Hour,
		execute: func(sources.ActionRef, map[string]any) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("signer", &service{n: n}))
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(func() {
		httpSrv.Close()
		srv.Stop()
	})
	n.URL = httpSrv.URL
	return n
}

// OnExecute replaces the action handler.
func (n *Network) OnExecute(fn ExecuteFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.execute = fn
}

// GrantWith rewrites the abilities the network grants for a capability request.
func (n *Network) GrantWith(fn func([]sources.AbilityRequest) []sources.AbilityRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.grant = fn
}

// SetTTL overrides the lifetime of issued credentials; negative values issue
// already-expired credentials.
func (n *Network) SetTTL(ttl time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ttl = ttl
}

// CapabilityRequests returns every ability set requested so far.
func (n *Network) CapabilityRequests() [][]sources.AbilityRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]sources.AbilityRequest(nil), n.requests...)
}

type service struct {
	n *Network
}

type handshakeResult struct {
	Network string `json:"network"`
	Issuer  string `json:"issuer"`
	Nonce   string `json:"nonce"`
}

func (s *service) Handshake(ctx context.Context) (*handshakeResult, error) {
	return &handshakeResult{Network: "signertest", Issuer: "signertest.local", Nonce: s.n.nonce}, nil
}

func (s *service) MintDelegate(ctx context.Context, auth sources.AuthMethod) (*sources.DelegatedSigner, error) {
	if err := s.n.verifyAuth(&auth); err != nil {
		return nil, err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	pub := hexutil.Bytes(crypto.FromECDSAPub(&key.PublicKey))
	s.n.mu.Lock()
	s.n.signers[pub.String()] = key
	tokenID := fmt.Sprintf("%d", len(s.n.signers))
	s.n.mu.Unlock()
	return &sources.DelegatedSigner{
		TokenID:   tokenID,
		PublicKey: pub,
		Address:   crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

type capabilityArgs struct {
	PublicKey   hexutil.Bytes            `json:"publicKey"`
	AuthMethods []*sources.AuthMethod    `json:"authMethods"`
	Abilities   []sources.AbilityRequest `json:"abilities"`
	Expiration  string                   `json:"expiration"`
}

type capabilityResult struct {
	Credential string `json:"credential"`
}

func (s *service) RequestCapability(ctx context.Context, args capabilityArgs) (*capabilityResult, error) {
	if len(args.AuthMethods) == 0 {
		return nil, &rpcError{code: sources.CodeUnauthorized, msg: "no auth methods"}
	}
	for _, auth := range args.AuthMethods {
		if err := s.n.verifyAuth(auth); err != nil {
			return nil, err
		}
	}

	s.n.mu.Lock()
	s.n.requests = append(s.n.requests, args.Abilities)
	granted := args.Abilities
	if s.n.grant != nil {
		granted = s.n.grant(granted)
	}
	ttl := s.n.ttl
	s.n.mu.Unlock()

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   args.PublicKey.String(),
			Issuer:    "signertest.local",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Abilities: granted,
	})
	signed, err := token.SignedString(s.n.secret)
	if err != nil {
		return nil, err
	}
	return &capabilityResult{Credential: signed}, nil
}

type executeArgs struct {
	Credential string            `json:"credential"`
	Action     sources.ActionRef `json:"action"`
	Params     map[string]any    `json:"params"`
}

func (s *service) ExecuteAction(ctx context.Context, args executeArgs) (*sources.ActionResult, error) {
	var c claims
	_, err := jwt.ParseWithClaims(args.Credential, &c, func(*jwt.Token) (any, error) {
		return s.n.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, &rpcError{code: sources.CodeCapabilityExpired, msg: "credential expired"}
	}
	if err != nil {
		return nil, &rpcError{code: sources.CodeUnauthorized, msg: err.Error()}
	}
	if !allows(c.Abilities, "action://"+args.Action.ID(), sources.AbilityActionExecution) {
		return nil, &rpcError{code: sources.CodeCapabilityDenied, msg: "action execution not granted for " + args.Action.ID()}
	}

	s.n.Executions.Add(1)
	s.n.mu.Lock()
	execute := s.n.execute
	s.n.mu.Unlock()
	resp, err := execute(args.Action, args.Params)
	if err != nil {
		return nil, err
	}
	return &sources.ActionResult{Response: resp, Logs: "executed " + args.Action.ID()}, nil
}

func allows(granted []sources.AbilityRequest, resource, ability string) bool {
	for _, g := range granted {
		if g.Ability != ability {
			continue
		}
		if ok, _ := path.Match(g.Resource, resource); ok {
			return true
		}
	}
	return false
}

func (n *Network) verifyAuth(auth *sources.AuthMethod) error {
	if auth == nil || auth.Type != sources.AuthMethodEthWallet {
		return &rpcError{code: sources.CodeUnauthorized, msg: "unsupported auth method"}
	}
	var sig sources.AuthSig
	if err := json.Unmarshal([]byte(auth.AccessToken), &sig); err != nil {
		return &rpcError{code: sources.CodeUnauthorized, msg: "malformed access token"}
	}
	if !strings.Contains(sig.SignedMessage, "Nonce: "+n.nonce) {
		return &rpcError{code: sources.CodeUnauthorized, msg: "stale challenge"}
	}
	if len(sig.Sig) != crypto.SignatureLength {
		return &rpcError{code: sources.CodeUnauthorized, msg: "bad signature length"}
	}
	raw := append([]byte(nil), sig.Sig...)
	raw[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(sig.SignedMessage)), raw)
	if err != nil || crypto.PubkeyToAddress(*pub) != sig.Address {
		return &rpcError{code: sources.CodeUnauthorized, msg: "signature does not match address"}
	}
	return nil
}
