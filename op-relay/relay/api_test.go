package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/jinmel/gas-sponsor/op-service/chaintest"
	"github.com/jinmel/gas-sponsor/op-service/sources"
)

type apiHarness struct {
	srv    *httptest.Server
	client *sources.RelayClient
}

func newAPIHarness(t *testing.T, b RelayAPIBackend, m Metricer, cfg APIConfig) *apiHarness {
	l := testlog.Logger(t, log.LevelInfo)
	api := NewRelayAPI(b, l, m, cfg)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiHarness{
		srv:    srv,
		client: sources.NewRelayClient(l, srv.URL, 5*time.Second),
	}
}

func (h *apiHarness) post(t *testing.T, body string) (int, map[string]string) {
	resp, err := http.Post(h.srv.URL+sources.PathSubmitTransaction, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get(headerRequestID))

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestSubmitTransactionSuccess(t *testing.T) {
	req, _ := signedRequest(t)
	chain := chaintest.NewChain()
	hash := common.HexToHash("0xfeed")
	chain.SendHash = &hash
	h := newAPIHarness(t, newDirectBackend(t, chain, BackendConfig{}), NoopMetrics, APIConfig{})

	resp, err := h.client.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, hash.Hex(), resp.TxHash)
	require.Equal(t, "Transaction submitted successfully", resp.Status)
	require.Empty(t, resp.Result)
}

func TestSubmitTransactionMalformedBody(t *testing.T) {
	chain := chaintest.NewChain()
	h := newAPIHarness(t, newDirectBackend(t, chain, BackendConfig{}), NoopMetrics, APIConfig{})

	status, body := h.post(t, `{"signedTx": `)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "Invalid request", body["error"])
	require.NotEmpty(t, body["details"])
	require.Zero(t, chain.TotalCalls())
}

func TestSubmitTransactionInvalidFields(t *testing.T) {
	chain := chaintest.NewChain()
	h := newAPIHarness(t, newDirectBackend(t, chain, BackendConfig{}), NoopMetrics, APIConfig{})

	status, body := h.post(t, `{"signedTx":"0x1234","from":"0x00000000000000000000000000000000000000aa","estimate":"abc"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "Invalid request", body["error"])
	require.Equal(t, `estimate "abc" is not an unsigned integer`, body["details"])
	require.Zero(t, chain.TotalCalls())
}

func TestSubmitTransactionUpstreamFailure(t *testing.T) {
	req, _ := signedRequest(t)
	chain := chaintest.NewChain()
	chain.ErrSend = errors.New("replacement transaction underpriced")
	h := newAPIHarness(t, newDirectBackend(t, chain, BackendConfig{}), NoopMetrics, APIConfig{})

	_, err := h.client.Submit(context.Background(), req)
	var relayErr *sources.RelayError
	require.True(t, errors.As(err, &relayErr))
	require.Equal(t, http.StatusInternalServerError, relayErr.StatusCode)
	require.Equal(t, "Failed to submit transaction", relayErr.Response.Error)
	require.Equal(t, "replacement transaction underpriced", relayErr.Response.Details)
	require.Equal(t, 1, chain.Calls("SendRawTransaction"))
}

func TestSubmitTransactionCapabilityDenied(t *testing.T) {
	req, _ := signedRequest(t)
	invoker := invokerFunc(func(context.Context, *sources.CapabilityCredential, sources.ActionCall) (*sources.ActionResult, error) {
		return nil, sources.ErrCapabilityDenied
	})
	b := NewBackend(testlog.Logger(t, log.LevelInfo), NewDelegatedSubmitter(chaintest.NewChain(), invoker, staticSponsorship(t), time.Second), NoopMetrics, BackendConfig{})
	h := newAPIHarness(t, b, NoopMetrics, APIConfig{})

	_, err := h.client.Submit(context.Background(), req)
	var relayErr *sources.RelayError
	require.True(t, errors.As(err, &relayErr))
	require.Equal(t, http.StatusForbidden, relayErr.StatusCode)
	require.Equal(t, "Capability denied", relayErr.Response.Error)
}

func TestUnknownRoutesArePlainNotFound(t *testing.T) {
	h := newAPIHarness(t, newDirectBackend(t, chaintest.NewChain(), BackendConfig{}), NoopMetrics, APIConfig{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/"},
		{http.MethodGet, sources.PathSubmitTransaction},
		{http.MethodPost, "/submit"},
	} {
		req, err := http.NewRequest(tc.method, h.srv.URL+tc.path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		require.Equal(t, http.StatusNotFound, resp.StatusCode, "%s %s", tc.method, tc.path)
		require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		require.Equal(t, "Not Found", string(body))
	}
}

func TestSubmitTransactionRateLimited(t *testing.T) {
	chain := chaintest.NewChain()
	h := newAPIHarness(t, newDirectBackend(t, chain, BackendConfig{}), NoopMetrics, APIConfig{RateLimit: 0.001, RateBurst: 1})

	status, _ := h.post(t, `{}`)
	require.Equal(t, http.StatusBadRequest, status)

	status, body := h.post(t, `{}`)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "Too many requests", body["error"])
}

func TestCORSPreflight(t *testing.T) {
	h := newAPIHarness(t, newDirectBackend(t, chaintest.NewChain(), BackendConfig{}), NoopMetrics, APIConfig{
		CORSAllowedOrigins: []string{"https://wallet.example"},
	})

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+sources.PathSubmitTransaction, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://wallet.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "https://wallet.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

// blockingSubmitter holds submissions from one sender until released.
type blockingSubmitter struct {
	hold    common.Address
	release chan struct{}
	entered chan struct{}
}

func (s *blockingSubmitter) Mode() Mode { return ModeDirect }

func (s *blockingSubmitter) Submit(ctx context.Context, req *ValidatedRequest) (*SubmitResult, error) {
	if req.From == s.hold {
		close(s.entered)
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, upstream("send raw transaction", ctx.Err())
		}
	}
	return &SubmitResult{TxHash: common.BytesToHash(req.From.Bytes())}, nil
}

func TestConcurrentSubmissionsAreIndependent(t *testing.T) {
	slow, slowPreparer := signedRequest(t)
	fast, fastPreparer := signedRequest(t)

	sub := &blockingSubmitter{
		hold:    slowPreparer.From(),
		release: make(chan struct{}),
		entered: make(chan struct{}),
	}
	b := NewBackend(testlog.Logger(t, log.LevelInfo), sub, NoopMetrics, BackendConfig{})
	h := newAPIHarness(t, b, NoopMetrics, APIConfig{})

	var wg sync.WaitGroup
	var slowResp *sources.SubmitResponse
	var slowErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		slowResp, slowErr = h.client.Submit(context.Background(), slow)
	}()
	<-sub.entered

	resp, err := h.client.Submit(context.Background(), fast)
	require.NoError(t, err)
	require.Equal(t, common.BytesToHash(fastPreparer.From().Bytes()).Hex(), resp.TxHash)

	close(sub.release)
	wg.Wait()
	require.NoError(t, slowErr)
	require.Equal(t, common.BytesToHash(slowPreparer.From().Bytes()).Hex(), slowResp.TxHash)
}

func TestMetricsRecordOutcomes(t *testing.T) {
	req, _ := signedRequest(t)
	chain := chaintest.NewChain()
	m := NewMetrics()
	b := NewBackend(testlog.Logger(t, log.LevelInfo), NewDirectSubmitter(chain, time.Second), m, BackendConfig{})
	h := newAPIHarness(t, b, m, APIConfig{})

	_, err := h.client.Submit(context.Background(), req)
	require.NoError(t, err)
	status, _ := h.post(t, `{}`)
	require.Equal(t, http.StatusBadRequest, status)

	require.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues(string(ModeDirect), "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues(string(ModeDirect), KindInvalidRequest.String())))
	require.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("2xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("4xx")))
}
