package client

import "sync"

// State is a pipeline stage. Both pipelines start in Preparing and end in
// Succeeded or, through Failed, back in Idle.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateCompressing
	StateEncrypting
	StateUploading
	StateDownloading
	StateDecrypting
	StateDecompressing
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "prepare"
	case StateCompressing:
		return "compress"
	case StateEncrypting:
		return "encrypt"
	case StateUploading:
		return "upload"
	case StateDownloading:
		return "download"
	case StateDecrypting:
		return "decrypt"
	case StateDecompressing:
		return "decompress"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// tracker holds a pipeline's current state and notifies an observer on
// every change.
type tracker struct {
	mu      sync.Mutex
	state   State
	observe func(State)
}

func (t *tracker) get() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *tracker) set(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	observe := t.observe
	t.mu.Unlock()
	if observe != nil {
		observe(s)
	}
}

// advance moves from one state to the next only if the pipeline is still
// in from, so late progress ticks cannot move it backwards.
func (t *tracker) advance(from, to State) {
	t.mu.Lock()
	if t.state != from {
		t.mu.Unlock()
		return
	}
	t.state = to
	observe := t.observe
	t.mu.Unlock()
	if observe != nil {
		observe(to)
	}
}

// fail records Failed, then rolls back to Idle, and wraps err with the
// stage that was running.
func (t *tracker) fail(err error) error {
	stage := t.get()
	t.set(StateFailed)
	t.set(StateIdle)
	return newTransferError(stage, err)
}
