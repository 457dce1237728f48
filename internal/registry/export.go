package registry

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
)

// Snapshot is the persisted form of a Registry. Info words are kept raw so
// tombstones and caller bindings survive a round trip.
type Snapshot struct {
	Address  common.Address   `json:"address"`
	Owner    common.Address   `json:"owner"`
	Halted   bool             `json:"halted,omitempty"`
	Banned   []common.Address `json:"banned,omitempty"`
	Handlers []Slot           `json:"handlers,omitempty"`
	Callers  []Slot           `json:"callers,omitempty"`
}

type Slot struct {
	Address common.Address `json:"address"`
	Info    hexutil.Bytes  `json:"info"`
}

func (r *Registry) Export() Snapshot {
	snap := Snapshot{Address: r.address, Owner: r.owner, Halted: r.halted}
	for agent, banned := range r.banned {
		if banned {
			snap.Banned = append(snap.Banned, agent)
		}
	}
	sortAddresses(snap.Banned)
	snap.Handlers = slots(r.handlers)
	snap.Callers = slots(r.callers)
	return snap
}

// Import rebuilds a registry from an exported snapshot.
func Import(snap Snapshot) (*Registry, error) {
	if snap.Owner == (common.Address{}) {
		return nil, clierr.New(clierr.CodeInvalidArgument, "registry snapshot has no owner")
	}
	r := New(snap.Address, snap.Owner)
	r.halted = snap.Halted
	for _, agent := range snap.Banned {
		r.banned[agent] = true
	}
	for _, s := range snap.Handlers {
		info, err := slotInfo(s)
		if err != nil {
			return nil, err
		}
		r.handlers[s.Address] = info
	}
	for _, s := range snap.Callers {
		info, err := slotInfo(s)
		if err != nil {
			return nil, err
		}
		r.callers[s.Address] = info
	}
	return r, nil
}

func slots(m map[common.Address][32]byte) []Slot {
	addrs := make([]common.Address, 0, len(m))
	for addr := range m {
		addrs = append(addrs, addr)
	}
	sortAddresses(addrs)
	out := make([]Slot, 0, len(addrs))
	for _, addr := range addrs {
		info := m[addr]
		out = append(out, Slot{Address: addr, Info: info[:]})
	}
	return out
}

func slotInfo(s Slot) ([32]byte, error) {
	var info [32]byte
	if len(s.Info) != len(info) {
		return info, clierr.Newf(clierr.CodeInvalidArgument, "info of %s must be 32 bytes, got %d", s.Address.Hex(), len(s.Info))
	}
	copy(info[:], s.Info)
	return info, nil
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
}
