package api

import (
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/internal/bridge"
)

// pendingTTL is how long a dialed call may sit without the provider
// opening its media stream before the entry is dropped.
const pendingTTL = 5 * time.Minute

// pendingCall holds the parameters of a call that has been dialed (or
// accepted via the inbound webhook) but whose media stream has not yet
// connected. The stream handler consumes the entry when the provider
// calls back.
type pendingCall struct {
	CallID            string
	ProviderSID       string
	To                string
	From              string
	VoiceProfile      string
	SystemInstruction string
	Direction         bridge.Direction
	CreatedAt         time.Time
}

// pendingStore tracks calls between initiation and media-stream start.
type pendingStore struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingStore() *pendingStore {
	return &pendingStore{calls: make(map[string]*pendingCall)}
}

func (p *pendingStore) put(pc *pendingCall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune()
	p.calls[pc.CallID] = pc
}

// get returns a copy of the entry; the stored value may still be
// mutated by setProviderSID.
func (p *pendingStore) get(callID string) (pendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.calls[callID]
	if !ok {
		return pendingCall{}, false
	}
	return *pc, true
}

// take removes and returns the entry so a second stream connection with
// the same token cannot claim it again.
func (p *pendingStore) take(callID string) (*pendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.calls[callID]
	if ok {
		delete(p.calls, callID)
	}
	return pc, ok
}

func (p *pendingStore) setProviderSID(callID, sid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.calls[callID]; ok {
		pc.ProviderSID = sid
	}
}

func (p *pendingStore) remove(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, callID)
}

// prune drops entries whose stream never arrived. Caller holds the lock.
func (p *pendingStore) prune() {
	cutoff := time.Now().Add(-pendingTTL)
	for id, pc := range p.calls {
		if pc.CreatedAt.Before(cutoff) {
			delete(p.calls, id)
		}
	}
}
