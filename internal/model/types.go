package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	Tx        *TxMeta   `json:"tx,omitempty"`
}

// TxMeta summarises the transaction a state-changing command produced.
type TxMeta struct {
	Hash      string `json:"hash"`
	Block     uint64 `json:"block"`
	Status    uint64 `json:"status"`
	Method    string `json:"method"`
	StateHash string `json:"state_hash"`
}

type World struct {
	ChainID      string `json:"chain_id"`
	Block        uint64 `json:"block"`
	Owner        string `json:"owner"`
	Registry     string `json:"registry"`
	FeeRule      string `json:"fee_rule"`
	Proxy        string `json:"proxy"`
	BasisFeeRate string `json:"basis_fee_rate"`
	Collector    string `json:"fee_collector"`
	Halted       bool   `json:"halted"`
	StateHash    string `json:"state_hash"`
}

type Deployment struct {
	Kind     string `json:"kind"`
	Address  string `json:"address"`
	Deployer string `json:"deployer"`
}

type RegistryEntry struct {
	Address    string `json:"address"`
	Role       string `json:"role"`
	Info       string `json:"info"`
	InfoHex    string `json:"info_hex"`
	Valid      bool   `json:"valid"`
	BoundTo    string `json:"bound_to,omitempty"`
	Banned     bool   `json:"banned"`
	Registered bool   `json:"registered"`
}

type FeeRule struct {
	Index    uint64 `json:"index"`
	Kind     string `json:"kind"`
	Asset    string `json:"asset,omitempty"`
	TokenID  string `json:"token_id,omitempty"`
	Min      string `json:"min,omitempty"`
	Discount string `json:"discount"`
}

type RateQuote struct {
	Account      string   `json:"account"`
	Rules        []uint64 `json:"rules"`
	WithoutBasis bool     `json:"without_basis"`
	Rate         string   `json:"rate"`
	RateDecimal  string   `json:"rate_decimal"`
}

type Balance struct {
	Account       string `json:"account"`
	Asset         string `json:"asset"`
	AssetID       string `json:"asset_id"`
	TokenID       string `json:"token_id,omitempty"`
	Amount        string `json:"amount"`
	AmountDecimal string `json:"amount_decimal,omitempty"`
}

type StateHash struct {
	Block     uint64 `json:"block"`
	StateHash string `json:"state_hash"`
	Holdings  string `json:"holdings_hash"`
}
