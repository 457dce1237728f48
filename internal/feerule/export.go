package feerule

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
)

// Snapshot is the persisted form of a Registry. Only built-in rule kinds can
// be exported.
type Snapshot struct {
	Address   common.Address `json:"address"`
	Owner     common.Address `json:"owner"`
	BasisRate string         `json:"basis_rate"`
	Collector common.Address `json:"collector"`
	Rules     []RuleSlot     `json:"rules"`
}

type RuleSlot struct {
	Index  uint64    `json:"index"`
	Active bool      `json:"active"`
	Spec   *RuleSpec `json:"spec,omitempty"`
}

func (r *Registry) Export() Snapshot {
	snap := Snapshot{
		Address:   r.address,
		Owner:     r.owner,
		BasisRate: r.basisRate.Dec(),
		Collector: r.collector,
		Rules:     make([]RuleSlot, 0, len(r.rules)),
	}
	for i, rule := range r.rules {
		slot := RuleSlot{Index: uint64(i)}
		if rule != nil {
			spec := rule.Spec()
			slot.Active = true
			slot.Spec = &spec
		}
		snap.Rules = append(snap.Rules, slot)
	}
	return snap
}

// Import rebuilds a registry from an exported snapshot. Slots must be dense
// and in index order.
func Import(snap Snapshot) (*Registry, error) {
	rate, err := uint256.FromDecimal(snap.BasisRate)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInvalidArgument, "parse basis rate", err)
	}
	r, err := New(snap.Address, snap.Owner, rate, snap.Collector)
	if err != nil {
		return nil, err
	}
	for i, slot := range snap.Rules {
		if slot.Index != uint64(i) {
			return nil, clierr.Newf(clierr.CodeInvalidArgument, "rule slot %d out of order", slot.Index)
		}
		if !slot.Active || slot.Spec == nil {
			r.rules = append(r.rules, nil)
			continue
		}
		rule, err := NewRuleFromSpec(*slot.Spec)
		if err != nil {
			return nil, err
		}
		r.rules = append(r.rules, rule)
	}
	return r, nil
}
