package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PhaseCommand is published by the orchestrator on the run channel. Empty
// Group and Directory travel as JSON null; a null group addresses every group.
type PhaseCommand struct {
	State     State
	Group     string
	Directory string
}

type phaseCommandWire struct {
	State     State   `json:"state"`
	Group     *string `json:"group"`
	Directory *string `json:"directory"`
}

func (c PhaseCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(phaseCommandWire{
		State:     c.State,
		Group:     nullable(c.Group),
		Directory: nullable(c.Directory),
	})
}

// EncodePhaseCommand validates the state and returns the wire payload.
func EncodePhaseCommand(c PhaseCommand) ([]byte, error) {
	if _, err := ParseState(string(c.State)); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// DecodePhaseCommand accepts exactly {state, group, directory}.
func DecodePhaseCommand(data []byte) (PhaseCommand, error) {
	obj, err := decodeObject(data, "state", "group", "directory")
	if err != nil {
		return PhaseCommand{}, err
	}
	raw, err := obj.str("state")
	if err != nil {
		return PhaseCommand{}, err
	}
	state, err := ParseState(raw)
	if err != nil {
		return PhaseCommand{}, err
	}
	group, err := obj.nullableStr("group")
	if err != nil {
		return PhaseCommand{}, err
	}
	directory, err := obj.nullableStr("directory")
	if err != nil {
		return PhaseCommand{}, err
	}
	return PhaseCommand{State: state, Group: group, Directory: directory}, nil
}

// TargetsGroup reports whether a participant serving group should act on c.
func (c PhaseCommand) TargetsGroup(group string) bool {
	return c.Group == "" || c.Group == group
}

// Ready is the announcement a coordinator or the sink makes on the ready
// channel once it is subscribed.
type Ready struct {
	Kind     string `json:"kind"`
	Hostname string `json:"hostname"`
	Pid      int    `json:"pid"`
}

func DecodeReady(data []byte) (Ready, error) {
	obj, err := decodeObject(data, "kind", "hostname", "pid")
	if err != nil {
		return Ready{}, err
	}
	var r Ready
	if r.Kind, err = kindField(obj); err != nil {
		return Ready{}, err
	}
	if r.Hostname, err = obj.str("hostname"); err != nil {
		return Ready{}, err
	}
	if strings.TrimSpace(r.Hostname) == "" {
		return Ready{}, ErrMissingHostname
	}
	if r.Pid, err = obj.integer("pid"); err != nil {
		return Ready{}, err
	}
	return r, nil
}

// ClientStatus is the single per-phase report each participant publishes on
// ClientChannel.
type ClientStatus struct {
	Kind     string `json:"kind"`
	Hostname string `json:"hostname"`
	Status   string `json:"status"`
}

func DecodeClientStatus(data []byte) (ClientStatus, error) {
	obj, err := decodeObject(data, "kind", "hostname", "status")
	if err != nil {
		return ClientStatus{}, err
	}
	var s ClientStatus
	if s.Kind, err = kindField(obj); err != nil {
		return ClientStatus{}, err
	}
	if s.Hostname, err = obj.str("hostname"); err != nil {
		return ClientStatus{}, err
	}
	if s.Status, err = obj.str("status"); err != nil {
		return ClientStatus{}, err
	}
	return s, nil
}

// Participant is the quorum identity of the reporter: the sink is tracked as
// KindSink whatever host it runs on, coordinators by hostname.
func (s ClientStatus) Participant() string {
	if s.Kind == KindSink {
		return KindSink
	}
	return s.Hostname
}

func (s ClientStatus) OK() bool {
	return s.Status == StatusSuccess
}

func kindField(obj object) (string, error) {
	kind, err := obj.str("kind")
	if err != nil {
		return "", err
	}
	if kind != KindMeister && kind != KindSink {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return kind, nil
}

// Member is one roster entry.
type Member struct {
	Hostname string `json:"hostname"`
	Pid      int    `json:"pid"`
}

// Roster is the ready snapshot stored under RosterKey.
type Roster struct {
	Sink     Member   `json:"ds"`
	Meisters []Member `json:"tm"`
}

func DecodeRoster(data []byte) (Roster, error) {
	var r Roster
	obj, err := decodeObject(data, "ds", "tm")
	if err != nil {
		return Roster{}, fmt.Errorf("%w: %v", ErrInvalidRoster, err)
	}
	if isNull(obj["ds"]) || isNull(obj["tm"]) {
		return Roster{}, fmt.Errorf("%w: null member", ErrInvalidRoster)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return Roster{}, fmt.Errorf("%w: %v", ErrInvalidRoster, err)
	}
	if strings.TrimSpace(r.Sink.Hostname) == "" {
		return Roster{}, fmt.Errorf("%w: sink hostname empty", ErrInvalidRoster)
	}
	for _, m := range r.Meisters {
		if strings.TrimSpace(m.Hostname) == "" {
			return Roster{}, fmt.Errorf("%w: coordinator hostname empty", ErrInvalidRoster)
		}
	}
	return r, nil
}

// Size is the number of acknowledgements a phase expects.
func (r Roster) Size() int {
	return 1 + len(r.Meisters)
}

// Participants returns the quorum identities in roster order, sink first.
func (r Roster) Participants() []string {
	out := make([]string, 0, r.Size())
	out = append(out, KindSink)
	for _, m := range r.Meisters {
		out = append(out, m.Hostname)
	}
	return out
}
