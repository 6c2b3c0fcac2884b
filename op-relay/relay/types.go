package relay

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/jinmel/gas-sponsor/op-service/sources"
)

// Mode selects the submission path for the whole deployment.
type Mode string

const (
	ModeDirect    Mode = "direct"
	ModeDelegated Mode = "delegated"
)

func (m Mode) Check() error {
	switch m {
	case ModeDirect, ModeDelegated:
		return nil
	}
	return fmt.Errorf("unknown submission mode %q", m)
}

// ValidatedRequest is a RelayRequest whose fields parsed cleanly.
type ValidatedRequest struct {
	Payload  hexutil.Bytes
	From     common.Address
	Estimate uint64
}

type SubmitResult struct {
	TxHash common.Hash
	// Result is the signing network's settlement result on the delegated path.
	Result json.RawMessage
}

func (r *SubmitResult) Response() *sources.SubmitResponse {
	return &sources.SubmitResponse{
		TxHash: r.TxHash.Hex(),
		Status: sources.StatusSubmitted,
		Result: r.Result,
	}
}
