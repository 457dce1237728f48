package signer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// CallTx builds an unsigned EIP-1559 transaction for the simulator. Gas is
// not metered, so fee caps stay zero and the limit only has to be non-zero.
func CallTx(chainID *big.Int, nonce uint64, to common.Address, value *uint256.Int, data []byte) *types.Transaction {
	v := new(big.Int)
	if value != nil {
		v = value.ToBig()
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: new(big.Int),
		GasFeeCap: new(big.Int),
		Gas:       30_000_000,
		To:        &to,
		Value:     v,
		Data:      data,
	})
}
