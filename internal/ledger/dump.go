package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Dump is the canonical, order-stable serialization of a State. Zero values
// are omitted so that "never set" and "set to zero" hash identically.
type Dump struct {
	Balances []BalanceEntry `json:"balances,omitempty"`
	NFTs     []NFTEntry     `json:"nfts,omitempty"`
	Multi    []MultiEntry   `json:"multi,omitempty"`
	Storage  []StorageEntry `json:"storage,omitempty"`
	Nonces   []NonceEntry   `json:"nonces,omitempty"`
}

type BalanceEntry struct {
	Asset  common.Address `json:"asset"`
	Holder common.Address `json:"holder"`
	Amount string         `json:"amount"`
}

type NFTEntry struct {
	Collection common.Address `json:"collection"`
	TokenID    string         `json:"token_id"`
	Owner      common.Address `json:"owner"`
}

type MultiEntry struct {
	Collection common.Address `json:"collection"`
	TokenID    string         `json:"token_id"`
	Holder     common.Address `json:"holder"`
	Amount     string         `json:"amount"`
}

type StorageEntry struct {
	Address common.Address `json:"address"`
	Key     common.Hash    `json:"key"`
	Value   common.Hash    `json:"value"`
}

type NonceEntry struct {
	Address common.Address `json:"address"`
	Nonce   uint64         `json:"nonce"`
}

func (s *State) Dump() Dump {
	var d Dump
	for holder, amount := range s.native {
		if !amount.IsZero() {
			d.Balances = append(d.Balances, BalanceEntry{Asset: NativeToken, Holder: holder, Amount: amount.Dec()})
		}
	}
	for token, holders := range s.tokens {
		for holder, amount := range holders {
			if !amount.IsZero() {
				d.Balances = append(d.Balances, BalanceEntry{Asset: token, Holder: holder, Amount: amount.Dec()})
			}
		}
	}
	for collection, owners := range s.nfts {
		for id, owner := range owners {
			if owner != (common.Address{}) {
				d.NFTs = append(d.NFTs, NFTEntry{Collection: collection, TokenID: id.Dec(), Owner: owner})
			}
		}
	}
	for collection, ids := range s.multi {
		for id, holders := range ids {
			for holder, amount := range holders {
				if !amount.IsZero() {
					d.Multi = append(d.Multi, MultiEntry{Collection: collection, TokenID: id.Dec(), Holder: holder, Amount: amount.Dec()})
				}
			}
		}
	}
	for addr, slots := range s.storage {
		for key, value := range slots {
			if value != (common.Hash{}) {
				d.Storage = append(d.Storage, StorageEntry{Address: addr, Key: key, Value: value})
			}
		}
	}
	for addr, nonce := range s.nonces {
		if nonce != 0 {
			d.Nonces = append(d.Nonces, NonceEntry{Address: addr, Nonce: nonce})
		}
	}

	sort.Slice(d.Balances, func(i, j int) bool {
		if c := bytes.Compare(d.Balances[i].Asset[:], d.Balances[j].Asset[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(d.Balances[i].Holder[:], d.Balances[j].Holder[:]) < 0
	})
	sort.Slice(d.NFTs, func(i, j int) bool {
		if c := bytes.Compare(d.NFTs[i].Collection[:], d.NFTs[j].Collection[:]); c != 0 {
			return c < 0
		}
		return lessDecimal(d.NFTs[i].TokenID, d.NFTs[j].TokenID)
	})
	sort.Slice(d.Multi, func(i, j int) bool {
		a, b := d.Multi[i], d.Multi[j]
		if c := bytes.Compare(a.Collection[:], b.Collection[:]); c != 0 {
			return c < 0
		}
		if a.TokenID != b.TokenID {
			return lessDecimal(a.TokenID, b.TokenID)
		}
		return bytes.Compare(a.Holder[:], b.Holder[:]) < 0
	})
	sort.Slice(d.Storage, func(i, j int) bool {
		if c := bytes.Compare(d.Storage[i].Address[:], d.Storage[j].Address[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(d.Storage[i].Key[:], d.Storage[j].Key[:]) < 0
	})
	sort.Slice(d.Nonces, func(i, j int) bool {
		return bytes.Compare(d.Nonces[i].Address[:], d.Nonces[j].Address[:]) < 0
	})
	return d
}

// Hash is the keccak256 of the canonical dump.
func (s *State) Hash() common.Hash {
	buf, _ := json.Marshal(s.Dump())
	return crypto.Keccak256Hash(buf)
}

// HoldingsHash is Hash without account nonces, which advance even when a
// transaction reverts.
func (s *State) HoldingsHash() common.Hash {
	d := s.Dump()
	d.Nonces = nil
	buf, _ := json.Marshal(d)
	return crypto.Keccak256Hash(buf)
}

// Load rebuilds a State from a dump. The returned state has an empty journal.
func Load(d Dump) (*State, error) {
	s := New()
	for _, b := range d.Balances {
		amount, err := uint256.FromDecimal(b.Amount)
		if err != nil {
			return nil, fmt.Errorf("decode balance %s/%s: %w", b.Asset.Hex(), b.Holder.Hex(), err)
		}
		if err := s.AddBalance(b.Asset, b.Holder, amount); err != nil {
			return nil, err
		}
	}
	for _, n := range d.NFTs {
		id, err := uint256.FromDecimal(n.TokenID)
		if err != nil {
			return nil, fmt.Errorf("decode nft id %s: %w", n.TokenID, err)
		}
		if err := s.MintNFT(n.Collection, id, n.Owner); err != nil {
			return nil, err
		}
	}
	for _, m := range d.Multi {
		id, err := uint256.FromDecimal(m.TokenID)
		if err != nil {
			return nil, fmt.Errorf("decode erc1155 id %s: %w", m.TokenID, err)
		}
		amount, err := uint256.FromDecimal(m.Amount)
		if err != nil {
			return nil, fmt.Errorf("decode erc1155 amount: %w", err)
		}
		if err := s.MintMulti(m.Collection, id, m.Holder, amount); err != nil {
			return nil, err
		}
	}
	for _, e := range d.Storage {
		s.SetStorage(e.Address, e.Key, e.Value)
	}
	for _, n := range d.Nonces {
		s.nonces[n.Address] = n.Nonce
	}
	s.Commit()
	return s, nil
}

func lessDecimal(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
