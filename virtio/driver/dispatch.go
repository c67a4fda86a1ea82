package driver

// InterruptController claims and completes external interrupts.
type InterruptController interface {

	// Claim returns the highest-priority pending source, or 0.
	Claim() uint32

	// Complete signals that the source's handler is done.
	Complete(id uint32)
}

// Drainer is a device whose completions can be serviced by a Dispatcher.
type Drainer interface {
	AckInterrupt() uint32
	Drain(sink FrameSink) int
}

// Dispatcher services device completions, either from the external
// interrupt handler or from the main loop. Both paths run the same drain,
// which may run any number of times without harm but must not be
// re-entered.
type Dispatcher struct {

	// Controller is claimed and completed by HandleInterrupt.
	Controller InterruptController

	// IRQ is the interrupt source of Device.
	IRQ uint32

	// Device is drained on its interrupt and on every poll.
	Device Drainer

	// Sink receives inbound frames.
	Sink FrameSink

	draining bool
}

// HandleInterrupt claims one interrupt, drains the device if the interrupt
// is its own, and completes the claim. Other sources are completed without
// further action.
func (d *Dispatcher) HandleInterrupt() {
	id := d.Controller.Claim()
	if id == 0 {
		return
	}

	if id == d.IRQ {
		d.drain()
	}

	d.Controller.Complete(id)
}

// Poll drains the device without touching the interrupt controller.
func (d *Dispatcher) Poll() {
	d.drain()
}

func (d *Dispatcher) drain() {
	if d.draining {
		panic("driver: completion drain re-entered")
	}

	d.draining = true
	defer func() { d.draining = false }()

	d.Device.AckInterrupt()
	d.Device.Drain(d.Sink)
}
