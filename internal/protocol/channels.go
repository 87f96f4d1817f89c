package protocol

const (
	// DefaultChannel is the phase command channel used when the orchestrator
	// is not told otherwise.
	DefaultChannel = "tool-meister-chan"
	// ClientChannel carries per-phase status reports back to the orchestrator.
	ClientChannel = "tool-meister-client"
	// RosterKey holds the ready roster snapshot.
	RosterKey = "tm-pids"

	KindMeister = "tm"
	KindSink    = "ds"

	StatusSuccess         = "success"
	StatusStartFailures   = "failures starting tools"
	StatusStopFailures    = "failures stopping tools"
	StatusSendFailures    = "failures sending tool data"
	StatusInternalFailure = "internal error"
)

// ReadyChannel is the channel coordinators and the sink announce themselves on.
func ReadyChannel(channel string) string {
	return channel + "-start"
}

// MeisterParamKey is the KV key holding CoordinatorParams for one host.
func MeisterParamKey(group, hostname string) string {
	return "tm-" + group + "-" + hostname
}

// SinkParamKey is the KV key holding SinkParams for one group.
func SinkParamKey(group string) string {
	return "tds-" + group
}
