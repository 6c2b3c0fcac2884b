package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jinmel/gas-sponsor/op-relay/bootstrap"
	"github.com/jinmel/gas-sponsor/op-service/sources"
)

// Submitter performs exactly one submission attempt for a validated request.
type Submitter interface {
	Mode() Mode
	Submit(ctx context.Context, req *ValidatedRequest) (*SubmitResult, error)
}

type BackendConfig struct {
	ChainID *big.Int

	// MaxGasEstimate rejects requests whose advertised estimate is higher. Zero disables.
	MaxGasEstimate uint64

	// VerifySender requires the payload's recovered signer to equal From.
	VerifySender bool

	// AcceptedCacheSize bounds the set of accepted payloads remembered to
	// reject resubmission before the network sees them. Zero, the default,
	// leaves every repeat to the network.
	AcceptedCacheSize int
}

type Backend struct {
	log       log.Logger
	submitter Submitter
	metrics   Metricer
	cfg       BackendConfig

	// payload hash -> transaction hash
	accepted *lru.Cache[common.Hash, common.Hash]
}

func NewBackend(log log.Logger, submitter Submitter, m Metricer, cfg BackendConfig) *Backend {
	b := &Backend{
		log:       log,
		submitter: submitter,
		metrics:   m,
		cfg:       cfg,
	}
	if cfg.AcceptedCacheSize > 0 {
		// only fails for a non-positive size
		b.accepted, _ = lru.New[common.Hash, common.Hash](cfg.AcceptedCacheSize)
	}
	return b
}

// Submit validates req and hands it to the configured path. Invalid requests
// never reach the network.
func (b *Backend) Submit(ctx context.Context, req *sources.RelayRequest) (*SubmitResult, error) {
	valid, err := b.Validate(req)
	if err != nil {
		b.metrics.RecordSubmission(b.submitter.Mode(), KindInvalidRequest.String(), 0)
		return nil, err
	}

	start := time.Now()
	res, err := b.submitter.Submit(ctx, valid)
	elapsed := time.Since(start)
	if err != nil {
		b.metrics.RecordSubmission(b.submitter.Mode(), KindOf(err).String(), elapsed)
		b.log.Warn("Submission failed", "from", valid.From, "mode", b.submitter.Mode(), "err", err)
		return nil, err
	}
	if b.accepted != nil {
		b.accepted.Add(crypto.Keccak256Hash(valid.Payload), res.TxHash)
	}
	b.metrics.RecordSubmission(b.submitter.Mode(), "success", elapsed)
	b.log.Info("Submitted transaction", "from", valid.From, "estimate", valid.Estimate, "mode", b.submitter.Mode(), "txHash", res.TxHash)
	return res, nil
}

func (b *Backend) Validate(req *sources.RelayRequest) (*ValidatedRequest, error) {
	if req == nil {
		return nil, invalidRequest("validate", "empty request")
	}
	if strings.TrimSpace(req.SignedTx) == "" {
		return nil, invalidRequest("validate signedTx", "signedTx is required")
	}
	payload, err := hexutil.Decode(req.SignedTx)
	if err != nil {
		return nil, invalidRequest("validate signedTx", "signedTx is not hex: %v", err)
	}
	if len(payload) == 0 {
		return nil, invalidRequest("validate signedTx", "signedTx is empty")
	}
	if b.accepted != nil {
		if txHash, ok := b.accepted.Get(crypto.Keccak256Hash(payload)); ok {
			return nil, invalidRequest("validate signedTx", "signedTx was already accepted as %s", txHash)
		}
	}
	if !common.IsHexAddress(req.From) {
		return nil, invalidRequest("validate from", "invalid sender address %q", req.From)
	}
	estimate, err := strconv.ParseUint(strings.TrimSpace(req.Estimate), 10, 64)
	if err != nil {
		return nil, invalidRequest("validate estimate", "estimate %q is not an unsigned integer", req.Estimate)
	}
	if estimate == 0 {
		return nil, invalidRequest("validate estimate", "estimate must be positive")
	}
	if b.cfg.MaxGasEstimate != 0 && estimate > b.cfg.MaxGasEstimate {
		return nil, invalidRequest("validate estimate", "estimate %d exceeds ceiling %d", estimate, b.cfg.MaxGasEstimate)
	}

	valid := &ValidatedRequest{
		Payload:  payload,
		From:     common.HexToAddress(req.From),
		Estimate: estimate,
	}
	if b.cfg.VerifySender {
		if err := b.verifySender(valid); err != nil {
			return nil, err
		}
	}
	return valid, nil
}

func (b *Backend) verifySender(req *ValidatedRequest) error {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(req.Payload); err != nil {
		return invalidRequest("verify sender", "cannot decode signedTx: %v", err)
	}
	signer, err := types.Sender(types.LatestSignerForChainID(b.cfg.ChainID), &tx)
	if err != nil {
		return invalidRequest("verify sender", "cannot recover signer: %v", err)
	}
	if signer != req.From {
		return invalidRequest("verify sender", "signedTx is signed by %s, not %s", signer, req.From)
	}
	return nil
}

// RawTxSender forwards a signed payload to the chain.
type RawTxSender interface {
	SendRawTransaction(ctx context.Context, payload []byte) (common.Hash, error)
}

// EthRawSender submits through eth_sendRawTransaction.
type EthRawSender struct {
	Client *rpc.Client
}

func (s *EthRawSender) SendRawTransaction(ctx context.Context, payload []byte) (common.Hash, error) {
	var hash common.Hash
	if err := s.Client.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Bytes(payload)); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// DirectSubmitter trusts the caller's signature alone.
type DirectSubmitter struct {
	chain   RawTxSender
	timeout time.Duration
}

func NewDirectSubmitter(chain RawTxSender, timeout time.Duration) *DirectSubmitter {
	return &DirectSubmitter{chain: chain, timeout: timeout}
}

func (s *DirectSubmitter) Mode() Mode { return ModeDirect }

func (s *DirectSubmitter) Submit(ctx context.Context, req *ValidatedRequest) (*SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	hash, err := s.chain.SendRawTransaction(ctx, req.Payload)
	if err != nil {
		return nil, upstream("send raw transaction", err)
	}
	return &SubmitResult{TxHash: hash}, nil
}

// NonceSource reads an account's confirmed transaction count.
type NonceSource interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// ActionInvoker runs remote actions under a capability credential.
type ActionInvoker interface {
	Invoke(ctx context.Context, cred *sources.CapabilityCredential, call sources.ActionCall) (*sources.ActionResult, error)
}

// DelegatedSubmitter additionally trusts the signing network's authorization
// check. It never mutates the sponsorship.
type DelegatedSubmitter struct {
	nonces      NonceSource
	invoker     ActionInvoker
	sponsorship *bootstrap.Sponsorship
	timeout     time.Duration
}

func NewDelegatedSubmitter(nonces NonceSource, invoker ActionInvoker, sponsorship *bootstrap.Sponsorship, timeout time.Duration) *DelegatedSubmitter {
	return &DelegatedSubmitter{
		nonces:      nonces,
		invoker:     invoker,
		sponsorship: sponsorship,
		timeout:     timeout,
	}
}

func (s *DelegatedSubmitter) Mode() Mode { return ModeDelegated }

func (s *DelegatedSubmitter) Submit(ctx context.Context, req *ValidatedRequest) (*SubmitResult, error) {
	nctx, cancel := context.WithTimeout(ctx, s.timeout)
	nonce, err := s.nonces.NonceAt(nctx, req.From, nil)
	cancel()
	if err != nil {
		return nil, upstream("get sender nonce", err)
	}

	call, err := s.sponsorship.Action.Call(s.sponsorship.Signer, map[string]any{
		"publicKey": s.sponsorship.Signer.PublicKey.String(),
		"signedTx":  req.Payload.String(),
		"nonce":     nonce,
	})
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Step: "build action call", Err: err}
	}

	ictx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.invoker.Invoke(ictx, s.sponsorship.Credential, call)
	if err != nil {
		if isCapabilityErr(err) {
			return nil, &Error{Kind: KindCapability, Step: "invoke " + call.Action.ID(), Err: err}
		}
		return nil, upstream("invoke "+call.Action.ID(), err)
	}

	hash, err := settlementHash(res.Response)
	if err != nil {
		return nil, upstream("read settlement", err)
	}
	return &SubmitResult{TxHash: hash, Result: res.Response}, nil
}

func isCapabilityErr(err error) bool {
	return errors.Is(err, sources.ErrCapabilityDenied) ||
		errors.Is(err, sources.ErrCapabilityExpired) ||
		errors.Is(err, sources.ErrAuthorization)
}

type settlement struct {
	TxHash *common.Hash `json:"txHash"`
	Hash   *common.Hash `json:"hash"`
}

// settlementHash accepts either {"txHash": ...} or a transaction object with "hash".
func settlementHash(resp json.RawMessage) (common.Hash, error) {
	var s settlement
	if err := json.Unmarshal(resp, &s); err != nil {
		return common.Hash{}, fmt.Errorf("unexpected action response %s: %w", string(resp), err)
	}
	switch {
	case s.TxHash != nil:
		return *s.TxHash, nil
	case s.Hash != nil:
		return *s.Hash, nil
	}
	return common.Hash{}, fmt.Errorf("action response carries no transaction hash: %s", string(resp))
}
