package metrics

// Stop reasons used as the "reason" label of MastersStoppedTotal.
const (
	ReasonStopped = "stopped"
	ReasonExpired = "expired"
)

// Sweep outcomes used as the "outcome" label of SweepsTotal.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Collector wraps metrics and provides helper methods with pre-filled labels.
// A nil *Collector is valid and records nothing.
type Collector struct {
	instance string
}

// NewCollector creates a new Collector for the given coordinator instance.
func NewCollector(instance string) *Collector {
	return &Collector{instance: instance}
}

// IncMastersStarted increments the started transitions counter.
func (c *Collector) IncMastersStarted() {
	if c == nil {
		return
	}
	MastersStartedTotal.WithLabelValues(c.instance).Inc()
}

// IncMastersStopped increments the stopped transitions counter for a reason.
func (c *Collector) IncMastersStopped(reason string) {
	if c == nil {
		return
	}
	MastersStoppedTotal.WithLabelValues(c.instance, reason).Inc()
}

// IncBuildsReclaimed increments the reclaimed builds counter.
func (c *Collector) IncBuildsReclaimed() {
	if c == nil {
		return
	}
	BuildsReclaimedTotal.WithLabelValues(c.instance).Inc()
}

// IncStepsReclaimed increments the reclaimed steps counter.
func (c *Collector) IncStepsReclaimed() {
	if c == nil {
		return
	}
	StepsReclaimedTotal.WithLabelValues(c.instance).Inc()
}

// IncLogsReclaimed increments the reclaimed logs counter.
func (c *Collector) IncLogsReclaimed() {
	if c == nil {
		return
	}
	LogsReclaimedTotal.WithLabelValues(c.instance).Inc()
}

// AddRequestsUnclaimed adds n to the unclaimed build requests counter.
func (c *Collector) AddRequestsUnclaimed(n int) {
	if c == nil || n <= 0 {
		return
	}
	RequestsUnclaimedTotal.WithLabelValues(c.instance).Add(float64(n))
}

// IncDeactivationFailures increments the failed deactivations counter.
func (c *Collector) IncDeactivationFailures() {
	if c == nil {
		return
	}
	DeactivationFailuresTotal.WithLabelValues(c.instance).Inc()
}

// IncSweeps increments the sweeps counter for an outcome.
func (c *Collector) IncSweeps(outcome string) {
	if c == nil {
		return
	}
	SweepsTotal.WithLabelValues(c.instance, outcome).Inc()
}

// SetActiveMasters sets the active masters gauge.
func (c *Collector) SetActiveMasters(count int) {
	if c == nil {
		return
	}
	ActiveMasters.WithLabelValues(c.instance).Set(float64(count))
}

// ObserveDeactivationDuration records a deactivation duration observation.
func (c *Collector) ObserveDeactivationDuration(seconds float64) {
	if c == nil {
		return
	}
	DeactivationDuration.WithLabelValues(c.instance).Observe(seconds)
}

// ObserveHeartbeatLatency records a heartbeat latency observation.
func (c *Collector) ObserveHeartbeatLatency(seconds float64) {
	if c == nil {
		return
	}
	HeartbeatLatency.WithLabelValues(c.instance).Observe(seconds)
}
