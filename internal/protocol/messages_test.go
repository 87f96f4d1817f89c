package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/danmuck/toolmeister/internal/testutil/testlog"
)

func TestPhaseCommandNullFieldsRoundTrip(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodePhaseCommand(PhaseCommand{State: StateTerminate})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"state":"terminate","group":null,"directory":null}` {
		t.Fatalf("unexpected wire form: %s", raw)
	}
	cmd, err := DecodePhaseCommand(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.State != StateTerminate || cmd.Group != "" || cmd.Directory != "" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if !cmd.TargetsGroup("anything") {
		t.Fatalf("null group must target every group")
	}
}

func TestDecodePhaseCommandRejectsMalformed(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `start`, ErrNotJSON},
		{"array", `["start"]`, ErrNotJSON},
		{"missing key", `{"state":"start","group":"default"}`, ErrUnexpectedKeys},
		{"extra key", `{"state":"start","group":"default","directory":"/d","x":1}`, ErrUnexpectedKeys},
		{"unknown state", `{"state":"pause","group":"default","directory":"/d"}`, ErrUnknownState},
		{"state null", `{"state":null,"group":"default","directory":"/d"}`, ErrFieldType},
		{"group number", `{"state":"start","group":7,"directory":"/d"}`, ErrFieldType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodePhaseCommand([]byte(tc.raw)); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPhaseCommandTargetsGroup(t *testing.T) {
	testlog.Start(t)
	cmd := PhaseCommand{State: StateStart, Group: "default", Directory: "/run/1"}
	if !cmd.TargetsGroup("default") {
		t.Fatalf("expected own group to match")
	}
	if cmd.TargetsGroup("other") {
		t.Fatalf("expected foreign group to be filtered")
	}
}

func TestDecodeReadyAndStatus(t *testing.T) {
	testlog.Start(t)
	ready, err := DecodeReady([]byte(`{"kind":"tm","hostname":"h1","pid":42}`))
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if ready.Hostname != "h1" || ready.Pid != 42 {
		t.Fatalf("unexpected ready: %+v", ready)
	}
	if _, err := DecodeReady([]byte(`{"kind":"xx","hostname":"h1","pid":42}`)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}

	status, err := DecodeClientStatus([]byte(`{"kind":"ds","hostname":"ctl","status":"success"}`))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Participant() != KindSink || !status.OK() {
		t.Fatalf("unexpected status: %+v", status)
	}
	status, err = DecodeClientStatus([]byte(`{"kind":"tm","hostname":"h2","status":"failures stopping tools"}`))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Participant() != "h2" || status.OK() {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestRosterRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Roster{
		Sink:     Member{Hostname: "ctl", Pid: 10},
		Meisters: []Member{{Hostname: "h1", Pid: 11}, {Hostname: "h2", Pid: 12}},
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := DecodeRoster(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Size() != 3 {
		t.Fatalf("unexpected size=%d", out.Size())
	}
	got := out.Participants()
	want := []string{"ds", "h1", "h2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("participants=%v want=%v", got, want)
		}
	}
	if _, err := DecodeRoster([]byte(`{"tm":[]}`)); !errors.Is(err, ErrInvalidRoster) {
		t.Fatalf("expected invalid roster, got %v", err)
	}
}

func TestDecodeCoordinatorParamsRequiresAllKeys(t *testing.T) {
	testlog.Start(t)
	full := map[string]any{
		"run_directory":       "/var/lib/run",
		"channel":             DefaultChannel,
		"controller_hostname": "ctl",
		"group":               "default",
		"hostname":            "h1",
		"tools":               map[string][]string{"iostat": {}, "mpstat": {"-P", "ALL"}},
	}
	raw, _ := json.Marshal(full)
	params, err := DecodeCoordinatorParams(raw)
	if err != nil {
		t.Fatalf("decode full: %v", err)
	}
	if params.Local() {
		t.Fatalf("h1 is not the controller")
	}
	if len(params.Tools["mpstat"]) != 2 {
		t.Fatalf("unexpected tools: %+v", params.Tools)
	}

	for _, key := range coordinatorParamKeys {
		partial := make(map[string]any, len(full))
		for k, v := range full {
			if k != key {
				partial[k] = v
			}
		}
		raw, _ := json.Marshal(partial)
		if _, err := DecodeCoordinatorParams(raw); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("missing %s: expected invalid params, got %v", key, err)
		}
	}

	full["extra"] = true
	raw, _ = json.Marshal(full)
	if _, err := DecodeCoordinatorParams(raw); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("extra key: expected invalid params, got %v", err)
	}
}

func TestCoordinatorParamsRejectSinkHostname(t *testing.T) {
	testlog.Start(t)
	params := CoordinatorParams{
		RunDirectory:       "/var/lib/run",
		Channel:            DefaultChannel,
		ControllerHostname: "ctl",
		Group:              "default",
		Hostname:           KindSink,
	}
	if err := params.Validate(); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("hostname %q: expected invalid params, got %v", KindSink, err)
	}
	params.Hostname = "dsx"
	if err := params.Validate(); err != nil {
		t.Fatalf("hostname dsx: %v", err)
	}
}

func TestDecodeSinkParams(t *testing.T) {
	testlog.Start(t)
	p, err := DecodeSinkParams([]byte(`{"channel":"tool-meister-chan","run_directory":"/run"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Channel != DefaultChannel || p.RunDirectory != "/run" {
		t.Fatalf("unexpected params: %+v", p)
	}
	if _, err := DecodeSinkParams([]byte(`{"channel":"c"}`)); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestKeyNaming(t *testing.T) {
	testlog.Start(t)
	if got := MeisterParamKey("default", "h1"); got != "tm-default-h1" {
		t.Fatalf("meister key=%s", got)
	}
	if got := SinkParamKey("default"); got != "tds-default" {
		t.Fatalf("sink key=%s", got)
	}
	if got := ReadyChannel(DefaultChannel); got != "tool-meister-chan-start" {
		t.Fatalf("ready channel=%s", got)
	}
}
