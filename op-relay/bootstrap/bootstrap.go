// Package bootstrap runs the one-shot sponsor startup sequence: authenticate
// the sponsor with the signing network, obtain and fund a delegated signer and
// acquire the capability the delegated submission path needs. Any failure is
// fatal to startup.
package bootstrap

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/jinmel/gas-sponsor/op-relay/actions"
	"github.com/jinmel/gas-sponsor/op-service/sources"
	"github.com/jinmel/gas-sponsor/op-service/units"
)

type CapabilityClient interface {
	Connect(ctx context.Context) (*sources.Session, error)
	Authorize(session *sources.Session, key *ecdsa.PrivateKey) (*sources.AuthMethod, error)
	MintDelegate(ctx context.Context, auth *sources.AuthMethod) (*sources.DelegatedSigner, error)
	AcquireCapability(ctx context.Context, signer *sources.DelegatedSigner, auth *sources.AuthMethod, abilities []sources.AbilityRequest) (*sources.CapabilityCredential, error)
}

type Funder interface {
	Fund(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
}

type Config struct {
	SponsorKey *ecdsa.PrivateKey
	// DelegatePublicKey reuses an existing delegated signer instead of minting one.
	DelegatePublicKey hexutil.Bytes
	// FundingAmount is sent to the delegated signer. Zero skips funding.
	FundingAmount *big.Int
	Action        *actions.Descriptor
	StepTimeout   time.Duration
}

// Sponsorship is shared read-only by every delegated submission after startup.
type Sponsorship struct {
	Signer     *sources.DelegatedSigner
	Credential *sources.CapabilityCredential
	Action     *actions.Descriptor
}

// StepError names the bootstrap step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("bootstrap: %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func Run(ctx context.Context, log log.Logger, cfg *Config, client CapabilityClient, funder Funder) (*Sponsorship, error) {
	if cfg.SponsorKey == nil {
		return nil, &StepError{Step: "config", Err: fmt.Errorf("sponsor key is required")}
	}
	if cfg.Action == nil {
		return nil, &StepError{Step: "config", Err: fmt.Errorf("action descriptor is required")}
	}
	step := func(parent context.Context) (context.Context, context.CancelFunc) {
		if cfg.StepTimeout <= 0 {
			return context.WithCancel(parent)
		}
		return context.WithTimeout(parent, cfg.StepTimeout)
	}

	sctx, cancel := step(ctx)
	session, err := client.Connect(sctx)
	cancel()
	if err != nil {
		return nil, &StepError{Step: "connect", Err: err}
	}

	auth, err := client.Authorize(session, cfg.SponsorKey)
	if err != nil {
		return nil, &StepError{Step: "authenticate sponsor", Err: err}
	}
	log.Info("Authenticated sponsor", "sponsor", crypto.PubkeyToAddress(cfg.SponsorKey.PublicKey))

	var signer *sources.DelegatedSigner
	if len(cfg.DelegatePublicKey) > 0 {
		signer, err = sources.DelegatedSignerFromPublicKey(cfg.DelegatePublicKey)
		if err != nil {
			return nil, &StepError{Step: "load delegated signer", Err: err}
		}
		log.Info("Using configured delegated signer", "address", signer.Address)
	} else {
		sctx, cancel = step(ctx)
		signer, err = client.MintDelegate(sctx, auth)
		cancel()
		if err != nil {
			return nil, &StepError{Step: "mint delegated signer", Err: err}
		}
		log.Info("Minted delegated signer", "address", signer.Address, "tokenId", signer.TokenID)
	}

	if cfg.FundingAmount != nil && cfg.FundingAmount.Sign() > 0 {
		sctx, cancel = step(ctx)
		hash, err := funder.Fund(sctx, signer.Address, cfg.FundingAmount)
		cancel()
		if err != nil {
			return nil, &StepError{Step: "fund delegated signer", Err: err}
		}
		log.Info("Funded delegated signer", "address", signer.Address, "amount", units.FormatEther(cfg.FundingAmount), "txHash", hash)
	}

	abilities := cfg.Action.AbilityRequests(signer.PublicKey)
	sctx, cancel = step(ctx)
	cred, err := client.AcquireCapability(sctx, signer, auth, abilities)
	cancel()
	if err != nil {
		return nil, &StepError{Step: "acquire capability", Err: err}
	}

	return &Sponsorship{
		Signer:     signer,
		Credential: cred,
		Action:     cfg.Action,
	}, nil
}
