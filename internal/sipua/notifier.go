package sipua

import "sync"

// inviteNotifier lets push resolution wait for the INVITE a push announced.
// When the device wakes from a push it re-registers, the PBX sends the INVITE,
// and the INVITE handler signals its Call-ID as soon as the dialog exists.
type inviteNotifier struct {
	mu        sync.Mutex
	listeners map[string][]chan struct{}
}

func newInviteNotifier() *inviteNotifier {
	return &inviteNotifier{
		listeners: make(map[string][]chan struct{}),
	}
}

// Subscribe returns a channel that is closed when the INVITE with the given
// Call-ID arrives. Call the returned cancel function when done waiting.
func (n *inviteNotifier) Subscribe(callID string) (<-chan struct{}, func()) {
	ch := make(chan struct{})

	n.mu.Lock()
	n.listeners[callID] = append(n.listeners[callID], ch)
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		chs := n.listeners[callID]
		for i, c := range chs {
			if c == ch {
				n.listeners[callID] = append(chs[:i], chs[i+1:]...)
				break
			}
		}
		if len(n.listeners[callID]) == 0 {
			delete(n.listeners, callID)
		}
	}

	return ch, cancel
}

// Notify releases every subscriber of callID. Each wait is one-shot.
func (n *inviteNotifier) Notify(callID string) {
	n.mu.Lock()
	chs := n.listeners[callID]
	delete(n.listeners, callID)
	n.mu.Unlock()

	for _, ch := range chs {
		close(ch)
	}
}
