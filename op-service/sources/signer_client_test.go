package sources_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"golang.org/x/exp/slog"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinmel/gas-sponsor/op-service/sources"
	"github.com/jinmel/gas-sponsor/op-service/sources/signertest"
)

func relayAbilities(signer *sources.DelegatedSigner) []sources.AbilityRequest {
	return []sources.AbilityRequest{
		{Resource: "action://relay-signed-tx@v1", Ability: sources.AbilityActionExecution},
		{Resource: "signer://" + signer.PublicKey.String(), Ability: sources.AbilitySignerSigning},
	}
}

func setup(t *testing.T) (*signertest.Network, *sources.SignerClient, *sources.DelegatedSigner, *sources.AuthMethod) {
	t.Helper()
	return setupWithLogger(t, testlog.Logger(t, log.LevelInfo))
}

func setupWithLogger(t *testing.T, l log.Logger) (*signertest.Network, *sources.SignerClient, *sources.DelegatedSigner, *sources.AuthMethod) {
	t.Helper()
	network := signertest.NewNetwork(t)
	cfg := sources.SignerDefaultConfig()
	cfg.Endpoint = network.URL
	client := sources.NewSignerClient(l, cfg)
	t.Cleanup(client.Close)

	ctx := context.Background()
	session, err := client.Connect(ctx)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	auth, err := client.Authorize(session, key)
	require.NoError(t, err)

	signer, err := client.MintDelegate(ctx, auth)
	require.NoError(t, err)
	return network, client, signer, auth
}

func TestSignerClientAcquireAndInvoke(t *testing.T) {
	network, client, signer, auth := setup(t)
	ctx := context.Background()

	cred, err := client.AcquireCapability(ctx, signer, auth, relayAbilities(signer))
	require.NoError(t, err)
	require.Equal(t, signer.PublicKey.String(), cred.Subject)
	require.True(t, cred.Expiry.After(time.Now()))
	require.NotContains(t, cred.String(), cred.Token)

	network.OnExecute(func(action sources.ActionRef, params map[string]any) (json.RawMessage, error) {
		assert.Equal(t, "relay-signed-tx", action.Name)
		assert.Equal(t, "0x01", params["signedTx"])
		return json.RawMessage(`{"txHash":"0xfeed"}`), nil
	})

	res, err := client.Invoke(ctx, cred, sources.ActionCall{
		Action:   sources.ActionRef{Name: "relay-signed-tx", Version: "v1"},
		Params:   map[string]any{"signedTx": "0x01"},
		Requires: relayAbilities(signer),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"txHash":"0xfeed"}`, string(res.Response))
	require.EqualValues(t, 1, network.Executions.Load())
	require.Equal(t, [][]sources.AbilityRequest{relayAbilities(signer)}, network.CapabilityRequests())
}

func TestSignerClientDeniesAbilityOutsideGrant(t *testing.T) {
	network, client, signer, auth := setup(t)
	ctx := context.Background()

	// Grant covers only the signing ability.
	granted := relayAbilities(signer)[1:]
	cred, err := client.AcquireCapability(ctx, signer, auth, granted)
	require.NoError(t, err)

	_, err = client.Invoke(ctx, cred, sources.ActionCall{
		Action:   sources.ActionRef{Name: "relay-signed-tx", Version: "v1"},
		Requires: relayAbilities(signer),
	})
	require.ErrorIs(t, err, sources.ErrCapabilityDenied)
	require.EqualValues(t, 0, network.Executions.Load())
}

func TestSignerClientRemoteDenial(t *testing.T) {
	network, client, signer, auth := setup(t)
	ctx := context.Background()

	cred, err := client.AcquireCapability(ctx, signer, auth, relayAbilities(signer))
	require.NoError(t, err)

	// The action declares nothing locally, so only the network can refuse it.
	_, err = client.Invoke(ctx, cred, sources.ActionCall{
		Action: sources.ActionRef{Name: "drain-funds", Version: "v1"},
	})
	require.ErrorIs(t, err, sources.ErrCapabilityDenied)
	require.EqualValues(t, 0, network.Executions.Load())
}

func TestSignerClientRejectsNarrowGrant(t *testing.T) {
	network, client, signer, auth := setup(t)
	network.GrantWith(func(req []sources.AbilityRequest) []sources.AbilityRequest {
		return req[:1]
	})

	_, err := client.AcquireCapability(context.Background(), signer, auth, relayAbilities(signer))
	require.ErrorIs(t, err, sources.ErrCapabilityDenied)
}

func TestSignerClientWarnsOnBroadGrant(t *testing.T) {
	var buf bytes.Buffer
	network, client, signer, auth := setupWithLogger(t, log.NewLogger(slog.NewJSONHandler(&buf, nil)))
	network.GrantWith(func(req []sources.AbilityRequest) []sources.AbilityRequest {
		return []sources.AbilityRequest{
			{Resource: "action://*", Ability: sources.AbilityActionExecution},
			req[1],
		}
	})

	cred, err := client.AcquireCapability(context.Background(), signer, auth, relayAbilities(signer))
	require.NoError(t, err)
	require.True(t, cred.Allows("action://relay-signed-tx@v1", sources.AbilityActionExecution))
	require.Contains(t, buf.String(), "Capability grant exceeds request")
	require.Contains(t, buf.String(), "action-execution@action://*")
	require.NotContains(t, buf.String(), "signer-signing@signer://")
}

func TestSignerClientExactGrantDoesNotWarn(t *testing.T) {
	var buf bytes.Buffer
	_, client, signer, auth := setupWithLogger(t, log.NewLogger(slog.NewJSONHandler(&buf, nil)))

	_, err := client.AcquireCapability(context.Background(), signer, auth, relayAbilities(signer))
	require.NoError(t, err)
	require.Contains(t, buf.String(), "Acquired capability")
	require.NotContains(t, buf.String(), "exceeds request")
}

func TestSignerClientExpiredCredential(t *testing.T) {
	network, client, signer, auth := setup(t)
	network.SetTTL(-time.Minute)

	_, err := client.AcquireCapability(context.Background(), signer, auth, relayAbilities(signer))
	require.ErrorIs(t, err, sources.ErrCapabilityExpired)

	cred := &sources.CapabilityCredential{
		Subject:   signer.PublicKey.String(),
		Abilities: relayAbilities(signer),
		Expiry:    time.Now().Add(-time.Second),
	}
	_, err = client.Invoke(context.Background(), cred, sources.ActionCall{
		Action: sources.ActionRef{Name: "relay-signed-tx", Version: "v1"},
	})
	require.ErrorIs(t, err, sources.ErrCapabilityExpired)
	require.EqualValues(t, 0, network.Executions.Load())
}

func TestSignerClientAuthorizationFailure(t *testing.T) {
	_, client, signer, _ := setup(t)

	forged := &sources.AuthMethod{Type: sources.AuthMethodEthWallet, AccessToken: `{"sig":"0x00"}`}
	_, err := client.AcquireCapability(context.Background(), signer, forged, relayAbilities(signer))
	require.ErrorIs(t, err, sources.ErrAuthorization)
	require.False(t, errors.Is(err, sources.ErrCapabilityDenied))
}

func TestSignerClientConnectionFailure(t *testing.T) {
	cfg := sources.SignerDefaultConfig()
	cfg.Endpoint = "http://127.0.0.1:1"
	client := sources.NewSignerClient(testlog.Logger(t, log.LevelInfo), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Connect(ctx)
	require.ErrorIs(t, err, sources.ErrConnection)

	_, err = client.Invoke(ctx, &sources.CapabilityCredential{Expiry: time.Now().Add(time.Hour)}, sources.ActionCall{})
	require.ErrorIs(t, err, sources.ErrConnection)
}

func TestCapabilityCredentialAllows(t *testing.T) {
	cred := &sources.CapabilityCredential{
		Abilities: []sources.AbilityRequest{
			{Resource: "action://relay-signed-tx@v1", Ability: sources.AbilityActionExecution},
		},
	}
	require.True(t, cred.Allows("action://relay-signed-tx@v1", sources.AbilityActionExecution))
	require.False(t, cred.Allows("action://relay-signed-tx@v2", sources.AbilityActionExecution))
	require.False(t, cred.Allows("action://relay-signed-tx@v1", sources.AbilitySignerSigning))
}
