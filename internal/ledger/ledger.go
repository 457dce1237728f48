// Package ledger holds simulated world state: native and token balances, NFT
// holdings, contract storage and account nonces. Every mutation records an
// undo entry so a transaction (or a nested call) can be reverted as a unit.
package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
)

// NativeToken is the sentinel address used wherever an asset address stands
// for the native currency.
var NativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// Reader is the read-only view rules and handlers evaluate against.
type Reader interface {
	Balance(asset, holder common.Address) *uint256.Int
	OwnerOf(collection common.Address, id *uint256.Int) common.Address
	NFTBalance(collection, holder common.Address) *uint256.Int
	MultiBalance(collection common.Address, id *uint256.Int, holder common.Address) *uint256.Int
	Storage(addr common.Address, key common.Hash) common.Hash
}

// Journal accepts undo entries from components that keep their own state
// outside the ledger but must roll back with it.
type Journal interface {
	Record(undo func())
}

type State struct {
	native  map[common.Address]*uint256.Int
	tokens  map[common.Address]map[common.Address]*uint256.Int
	nfts    map[common.Address]map[uint256.Int]common.Address
	multi   map[common.Address]map[uint256.Int]map[common.Address]*uint256.Int
	storage map[common.Address]map[common.Hash]common.Hash
	nonces  map[common.Address]uint64

	journal []func()
}

func New() *State {
	return &State{
		native:  make(map[common.Address]*uint256.Int),
		tokens:  make(map[common.Address]map[common.Address]*uint256.Int),
		nfts:    make(map[common.Address]map[uint256.Int]common.Address),
		multi:   make(map[common.Address]map[uint256.Int]map[common.Address]*uint256.Int),
		storage: make(map[common.Address]map[common.Hash]common.Hash),
		nonces:  make(map[common.Address]uint64),
	}
}

func (s *State) Record(undo func()) {
	s.journal = append(s.journal, undo)
}

// Snapshot returns an id usable with RevertToSnapshot.
func (s *State) Snapshot() int {
	return len(s.journal)
}

func (s *State) RevertToSnapshot(id int) {
	if id < 0 {
		id = 0
	}
	for i := len(s.journal) - 1; i >= id; i-- {
		s.journal[i]()
	}
	s.journal = s.journal[:id]
}

// Commit drops the journal; state changes made so far can no longer be undone.
func (s *State) Commit() {
	s.journal = nil
}

func (s *State) Balance(asset, holder common.Address) *uint256.Int {
	if asset == NativeToken {
		return s.NativeBalance(holder)
	}
	return s.TokenBalance(asset, holder)
}

func (s *State) NativeBalance(holder common.Address) *uint256.Int {
	if v, ok := s.native[holder]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (s *State) TokenBalance(token, holder common.Address) *uint256.Int {
	if v, ok := s.tokens[token][holder]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (s *State) AddBalance(asset, holder common.Address, amount *uint256.Int) error {
	cur := s.Balance(asset, holder)
	next, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return clierr.New(clierr.CodeReverted, "balance overflow")
	}
	s.setBalance(asset, holder, next)
	return nil
}

func (s *State) SubBalance(asset, holder common.Address, amount *uint256.Int) error {
	cur := s.Balance(asset, holder)
	if cur.Lt(amount) {
		return clierr.Newf(clierr.CodeReverted, "insufficient balance of %s for %s: have %s, need %s", assetLabel(asset), holder.Hex(), cur.Dec(), amount.Dec())
	}
	s.setBalance(asset, holder, new(uint256.Int).Sub(cur, amount))
	return nil
}

func (s *State) Transfer(asset, from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if from == to {
		if s.Balance(asset, from).Lt(amount) {
			return clierr.Newf(clierr.CodeReverted, "insufficient balance of %s for %s", assetLabel(asset), from.Hex())
		}
		return nil
	}
	if err := s.SubBalance(asset, from, amount); err != nil {
		return err
	}
	return s.AddBalance(asset, to, amount)
}

func (s *State) setBalance(asset, holder common.Address, value *uint256.Int) {
	if asset == NativeToken {
		prev, had := s.native[holder]
		s.native[holder] = value
		s.Record(func() {
			if had {
				s.native[holder] = prev
			} else {
				delete(s.native, holder)
			}
		})
		return
	}
	holders, ok := s.tokens[asset]
	if !ok {
		holders = make(map[common.Address]*uint256.Int)
		s.tokens[asset] = holders
	}
	prev, had := holders[holder]
	holders[holder] = value
	s.Record(func() {
		if had {
			holders[holder] = prev
		} else {
			delete(holders, holder)
		}
	})
}

func (s *State) OwnerOf(collection common.Address, id *uint256.Int) common.Address {
	return s.nfts[collection][*id]
}

func (s *State) NFTBalance(collection, holder common.Address) *uint256.Int {
	var n uint64
	for _, owner := range s.nfts[collection] {
		if owner == holder {
			n++
		}
	}
	return uint256.NewInt(n)
}

func (s *State) MintNFT(collection common.Address, id *uint256.Int, to common.Address) error {
	if (to == common.Address{}) {
		return clierr.New(clierr.CodeInvalidArgument, "mint to the zero address")
	}
	if owner := s.OwnerOf(collection, id); owner != (common.Address{}) {
		return clierr.Newf(clierr.CodeReverted, "token %s of %s already minted", id.Dec(), collection.Hex())
	}
	s.setOwner(collection, *id, to)
	return nil
}

func (s *State) TransferNFT(collection common.Address, id *uint256.Int, from, to common.Address) error {
	if owner := s.OwnerOf(collection, id); owner != from {
		return clierr.Newf(clierr.CodeReverted, "token %s of %s not owned by %s", id.Dec(), collection.Hex(), from.Hex())
	}
	s.setOwner(collection, *id, to)
	return nil
}

func (s *State) setOwner(collection common.Address, id uint256.Int, to common.Address) {
	owners, ok := s.nfts[collection]
	if !ok {
		owners = make(map[uint256.Int]common.Address)
		s.nfts[collection] = owners
	}
	prev, had := owners[id]
	owners[id] = to
	s.Record(func() {
		if had {
			owners[id] = prev
		} else {
			delete(owners, id)
		}
	})
}

func (s *State) MultiBalance(collection common.Address, id *uint256.Int, holder common.Address) *uint256.Int {
	if v, ok := s.multi[collection][*id][holder]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (s *State) MintMulti(collection common.Address, id *uint256.Int, to common.Address, amount *uint256.Int) error {
	cur := s.MultiBalance(collection, id, to)
	next, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return clierr.New(clierr.CodeReverted, "balance overflow")
	}
	s.setMulti(collection, *id, to, next)
	return nil
}

func (s *State) TransferMulti(collection common.Address, id *uint256.Int, from, to common.Address, amount *uint256.Int) error {
	cur := s.MultiBalance(collection, id, from)
	if cur.Lt(amount) {
		return clierr.Newf(clierr.CodeReverted, "insufficient balance of %s#%s for %s", collection.Hex(), id.Dec(), from.Hex())
	}
	s.setMulti(collection, *id, from, new(uint256.Int).Sub(cur, amount))
	return s.MintMulti(collection, id, to, amount)
}

func (s *State) setMulti(collection common.Address, id uint256.Int, holder common.Address, value *uint256.Int) {
	ids, ok := s.multi[collection]
	if !ok {
		ids = make(map[uint256.Int]map[common.Address]*uint256.Int)
		s.multi[collection] = ids
	}
	holders, ok := ids[id]
	if !ok {
		holders = make(map[common.Address]*uint256.Int)
		ids[id] = holders
	}
	prev, had := holders[holder]
	holders[holder] = value
	s.Record(func() {
		if had {
			holders[holder] = prev
		} else {
			delete(holders, holder)
		}
	})
}

func (s *State) Storage(addr common.Address, key common.Hash) common.Hash {
	return s.storage[addr][key]
}

func (s *State) SetStorage(addr common.Address, key, value common.Hash) {
	slots, ok := s.storage[addr]
	if !ok {
		slots = make(map[common.Hash]common.Hash)
		s.storage[addr] = slots
	}
	prev, had := slots[key]
	slots[key] = value
	s.Record(func() {
		if had {
			slots[key] = prev
		} else {
			delete(slots, key)
		}
	})
}

func (s *State) Nonce(addr common.Address) uint64 {
	return s.nonces[addr]
}

func (s *State) IncNonce(addr common.Address) {
	prev := s.nonces[addr]
	s.nonces[addr] = prev + 1
	s.Record(func() { s.nonces[addr] = prev })
}

func assetLabel(asset common.Address) string {
	if asset == NativeToken {
		return "native"
	}
	return fmt.Sprintf("token %s", asset.Hex())
}
