package worker

import (
	"encoding/json"
	"time"

	"github.com/danmuck/taskman/internal/protocol"
)

type outcome struct {
	result json.RawMessage
	err    error
}

// pending is one outstanding request. Whoever removes it from the table
// owns the single write to done.
type pending struct {
	id      uint64
	kind    protocol.Kind
	label   string
	inst    *instance
	started time.Time
	done    chan outcome
}

func newPending(id uint64, kind protocol.Kind, label string, inst *instance) *pending {
	return &pending{
		id:      id,
		kind:    kind,
		label:   label,
		inst:    inst,
		started: time.Now(),
		done:    make(chan outcome, 1),
	}
}

func (p *pending) settle(o outcome) {
	p.done <- o
}

// pendingTable is guarded by the owning Handle's mutex.
type pendingTable map[uint64]*pending

func (t pendingTable) take(id uint64) *pending {
	p, ok := t[id]
	if !ok {
		return nil
	}
	delete(t, id)
	return p
}

func (t pendingTable) takeInstance(inst *instance) []*pending {
	var out []*pending
	for id, p := range t {
		if p.inst == inst {
			delete(t, id)
			out = append(out, p)
		}
	}
	return out
}
