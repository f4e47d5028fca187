package mqttbridge

import "sync"

// FlowController limits outbound QoS 1 and 2 publishes to the server's
// Receive Maximum.
type FlowController struct {
	mu             sync.Mutex
	receiveMaximum uint16
	inFlight       uint16
}

// NewFlowController creates a flow controller. Zero means the protocol default 65535.
func NewFlowController(receiveMaximum uint16) *FlowController {
	if receiveMaximum == 0 {
		receiveMaximum = maxUint16
	}
	return &FlowController{receiveMaximum: receiveMaximum}
}

// SetReceiveMaximum updates the limit from CONNACK.
func (f *FlowController) SetReceiveMaximum(maximum uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if maximum == 0 {
		maximum = maxUint16
	}
	f.receiveMaximum = maximum
}

// TryAcquire takes one slot if one is free.
func (f *FlowController) TryAcquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight >= f.receiveMaximum {
		return false
	}
	f.inFlight++
	return true
}

// Release frees one slot.
func (f *FlowController) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight > 0 {
		f.inFlight--
	}
}

// InFlight returns the number of taken slots.
func (f *FlowController) InFlight() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// Set forces the in-flight count, used after restoring persisted publishes.
func (f *FlowController) Set(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > maxUint16 {
		n = maxUint16
	}
	f.inFlight = uint16(n)
}
