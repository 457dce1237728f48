package event

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Log is one event emitted during a transaction. Fields carry display values
// (hex addresses, decimal amounts); Data carries a raw payload when the event
// has one.
type Log struct {
	TxHash  common.Hash       `json:"tx_hash"`
	Block   uint64            `json:"block"`
	Index   int               `json:"index"`
	Address common.Address    `json:"address"`
	Name    string            `json:"name"`
	Fields  map[string]string `json:"fields,omitempty"`
	Data    hexutil.Bytes     `json:"data,omitempty"`
}

// New builds a log from alternating key/value pairs.
func New(addr common.Address, name string, kv ...string) Log {
	l := Log{Address: addr, Name: name}
	if len(kv) > 0 {
		l.Fields = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			l.Fields[kv[i]] = kv[i+1]
		}
	}
	return l
}

// WithData attaches a raw payload.
func (l Log) WithData(data []byte) Log {
	l.Data = append([]byte(nil), data...)
	return l
}

type Emitter interface {
	Emit(l Log)
}

// Sink persists or forwards committed logs.
type Sink interface {
	Write(ctx context.Context, logs []Log) error
}

// Filter returns logs with the given name, in order.
func Filter(logs []Log, name string) []Log {
	out := make([]Log, 0)
	for _, l := range logs {
		if l.Name == name {
			out = append(out, l)
		}
	}
	return out
}

type Memory struct {
	mu   sync.Mutex
	logs []Log
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(_ context.Context, logs []Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, logs...)
	return nil
}

func (m *Memory) Logs() []Log {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Log(nil), m.logs...)
}

type fanout []Sink

// Fanout writes to every sink and joins their errors.
func Fanout(sinks ...Sink) Sink {
	out := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f fanout) Write(ctx context.Context, logs []Log) error {
	var errs []error
	for _, s := range f {
		if err := s.Write(ctx, logs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
