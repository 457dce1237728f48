// Package registry is the authorization store consulted by the proxy: which
// handlers may be delegated into, which external callers may re-enter on
// behalf of a handler, whether dispatch is halted and which proxy agents are
// banned. Mutations are owner-gated and journaled through the caller's Env.
package registry

import (
	"bytes"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/event"
)

// Deprecated is the tombstone left behind by unregistration.
var Deprecated = InfoFromString("deprecated")

// Env is the transaction context mutations run in.
type Env interface {
	Record(undo func())
	Emit(l event.Log)
}

type Registry struct {
	address  common.Address
	owner    common.Address
	handlers map[common.Address][32]byte
	callers  map[common.Address][32]byte
	banned   map[common.Address]bool
	halted   bool
}

func New(address, owner common.Address) *Registry {
	return &Registry{
		address:  address,
		owner:    owner,
		handlers: make(map[common.Address][32]byte),
		callers:  make(map[common.Address][32]byte),
		banned:   make(map[common.Address]bool),
	}
}

func (r *Registry) Address() common.Address { return r.address }

func (r *Registry) Owner() common.Address { return r.owner }

func (r *Registry) onlyOwner(caller common.Address) error {
	if caller != r.owner {
		return clierr.New(clierr.CodeUnauthorized, "Ownable: caller is not the owner")
	}
	return nil
}

func (r *Registry) TransferOwnership(env Env, caller, newOwner common.Address) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if newOwner == (common.Address{}) {
		return clierr.New(clierr.CodeInvalidArgument, "Ownable: new owner is the zero address")
	}
	prev := r.owner
	r.owner = newOwner
	env.Record(func() { r.owner = prev })
	env.Emit(event.New(r.address, "OwnershipTransferred", "previous_owner", prev.Hex(), "new_owner", newOwner.Hex()))
	return nil
}

// Register adds handler or overwrites the info of an active registration.
func (r *Registry) Register(env Env, caller, handler common.Address, info [32]byte) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if handler == (common.Address{}) {
		return clierr.New(clierr.CodeInvalidArgument, "zero address")
	}
	if info == Deprecated {
		return clierr.New(clierr.CodeInvalidArgument, "info is reserved")
	}
	if r.handlers[handler] == Deprecated {
		return clierr.New(clierr.CodeNotRegistered, "unregistered")
	}
	setEntry(env, r.handlers, handler, info)
	env.Emit(event.New(r.address, "Registered", "handler", handler.Hex(), "info", InfoString(info)))
	return nil
}

// Unregister tombstones handler. The address can never be registered again.
func (r *Registry) Unregister(env Env, caller, handler common.Address) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if handler == (common.Address{}) {
		return clierr.New(clierr.CodeInvalidArgument, "zero address")
	}
	info, ok := r.handlers[handler]
	if !ok || info == Deprecated {
		return clierr.New(clierr.CodeNotRegistered, "no registration")
	}
	setEntry(env, r.handlers, handler, Deprecated)
	env.Emit(event.New(r.address, "Unregistered", "handler", handler.Hex()))
	return nil
}

// RegisterCaller binds caller to the single handler it may re-enter for.
func (r *Registry) RegisterCaller(env Env, owner, caller, handler common.Address) error {
	if err := r.onlyOwner(owner); err != nil {
		return err
	}
	if caller == (common.Address{}) || handler == (common.Address{}) {
		return clierr.New(clierr.CodeInvalidArgument, "zero address")
	}
	if r.callers[caller] == Deprecated {
		return clierr.New(clierr.CodeNotRegistered, "unregistered")
	}
	setEntry(env, r.callers, caller, bindingInfo(handler))
	env.Emit(event.New(r.address, "CallerRegistered", "caller", caller.Hex(), "handler", handler.Hex()))
	return nil
}

func (r *Registry) UnregisterCaller(env Env, owner, caller common.Address) error {
	if err := r.onlyOwner(owner); err != nil {
		return err
	}
	if caller == (common.Address{}) {
		return clierr.New(clierr.CodeInvalidArgument, "zero address")
	}
	info, ok := r.callers[caller]
	if !ok || info == Deprecated {
		return clierr.New(clierr.CodeNotRegistered, "no registration")
	}
	setEntry(env, r.callers, caller, Deprecated)
	env.Emit(event.New(r.address, "CallerUnregistered", "caller", caller.Hex()))
	return nil
}

// IsValidHandler never fails; unknown and tombstoned handlers are invalid.
func (r *Registry) IsValidHandler(handler common.Address) bool {
	info, ok := r.handlers[handler]
	return ok && info != Deprecated
}

// IsValidCaller returns the handler caller is bound to.
func (r *Registry) IsValidCaller(caller common.Address) (bool, common.Address) {
	info, ok := r.callers[caller]
	if !ok || info == Deprecated {
		return false, common.Address{}
	}
	return true, common.BytesToAddress(info[:common.AddressLength])
}

func (r *Registry) Info(handler common.Address) ([32]byte, bool) {
	info, ok := r.handlers[handler]
	return info, ok
}

func (r *Registry) CallerInfo(caller common.Address) ([32]byte, bool) {
	info, ok := r.callers[caller]
	return info, ok
}

func (r *Registry) Halt(env Env, caller common.Address) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if r.halted {
		return clierr.New(clierr.CodeHalted, "halted")
	}
	r.setHalted(env, true)
	env.Emit(event.New(r.address, "Halted"))
	return nil
}

func (r *Registry) Unhalt(env Env, caller common.Address) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if !r.halted {
		return clierr.New(clierr.CodeInvalidArgument, "not halted")
	}
	r.setHalted(env, false)
	env.Emit(event.New(r.address, "Unhalted"))
	return nil
}

func (r *Registry) setHalted(env Env, v bool) {
	prev := r.halted
	r.halted = v
	env.Record(func() { r.halted = prev })
}

func (r *Registry) IsHalted() bool { return r.halted }

func (r *Registry) Ban(env Env, caller, agent common.Address) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if r.banned[agent] {
		return clierr.New(clierr.CodeBanned, "banned")
	}
	r.setBanned(env, agent, true)
	env.Emit(event.New(r.address, "Banned", "agent", agent.Hex()))
	return nil
}

func (r *Registry) Unban(env Env, caller, agent common.Address) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if !r.banned[agent] {
		return clierr.New(clierr.CodeInvalidArgument, "not banned")
	}
	r.setBanned(env, agent, false)
	env.Emit(event.New(r.address, "Unbanned", "agent", agent.Hex()))
	return nil
}

func (r *Registry) setBanned(env Env, agent common.Address, v bool) {
	prev, had := r.banned[agent]
	if v {
		r.banned[agent] = true
	} else {
		delete(r.banned, agent)
	}
	env.Record(func() {
		if had {
			r.banned[agent] = prev
		} else {
			delete(r.banned, agent)
		}
	})
}

func (r *Registry) IsBanned(agent common.Address) bool { return r.banned[agent] }

func setEntry(env Env, m map[common.Address][32]byte, key common.Address, value [32]byte) {
	prev, had := m[key]
	m[key] = value
	env.Record(func() {
		if had {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
}

// bindingInfo stores the handler address in the leading 20 bytes.
func bindingInfo(handler common.Address) [32]byte {
	var info [32]byte
	copy(info[:], handler.Bytes())
	return info
}

// InfoFromString right-pads s into a 32-byte tag, truncating longer input.
func InfoFromString(s string) [32]byte {
	var info [32]byte
	copy(info[:], s)
	return info
}

// InfoString renders printable tags as text and anything else as hex.
func InfoString(info [32]byte) string {
	trimmed := bytes.TrimRight(info[:], "\x00")
	printable := len(trimmed) > 0
	for _, b := range trimmed {
		if b < 0x20 || b > 0x7e {
			printable = false
			break
		}
	}
	if printable {
		return string(trimmed)
	}
	return "0x" + hex.EncodeToString(info[:])
}

// ParseInfo accepts a 0x-prefixed 32-byte hex value or a short text tag.
func ParseInfo(v string) ([32]byte, error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "0x") && len(v) == 66 {
		raw, err := hex.DecodeString(v[2:])
		if err != nil {
			return [32]byte{}, clierr.Wrap(clierr.CodeInvalidArgument, "parse info", err)
		}
		var info [32]byte
		copy(info[:], raw)
		return info, nil
	}
	if len(v) > 32 {
		return [32]byte{}, clierr.New(clierr.CodeInvalidArgument, "info tag longer than 32 bytes")
	}
	return InfoFromString(v), nil
}

type Entry struct {
	Address common.Address `json:"address"`
	Info    string         `json:"info"`
	Active  bool           `json:"active"`
	Handler string         `json:"handler,omitempty"`
}

// Handlers lists handler registrations sorted by address, tombstones included.
func (r *Registry) Handlers() []Entry {
	out := make([]Entry, 0, len(r.handlers))
	for addr, info := range r.handlers {
		out = append(out, Entry{Address: addr, Info: InfoString(info), Active: info != Deprecated})
	}
	sortEntries(out)
	return out
}

func (r *Registry) Callers() []Entry {
	out := make([]Entry, 0, len(r.callers))
	for addr, info := range r.callers {
		e := Entry{Address: addr, Info: "0x" + hex.EncodeToString(info[:]), Active: info != Deprecated}
		if e.Active {
			e.Handler = common.BytesToAddress(info[:common.AddressLength]).Hex()
		} else {
			e.Info = InfoString(info)
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Address[:], entries[j].Address[:]) < 0
	})
}
