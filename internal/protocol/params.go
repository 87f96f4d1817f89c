package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CoordinatorParams is the parameter block a coordinator fetches from the KV
// store under MeisterParamKey. All six keys are required.
type CoordinatorParams struct {
	RunDirectory       string              `json:"run_directory"`
	Channel            string              `json:"channel"`
	ControllerHostname string              `json:"controller_hostname"`
	Group              string              `json:"group"`
	Hostname           string              `json:"hostname"`
	Tools              map[string][]string `json:"tools"`
}

var coordinatorParamKeys = []string{
	"run_directory",
	"channel",
	"controller_hostname",
	"group",
	"hostname",
	"tools",
}

// DecodeCoordinatorParams rejects any payload whose key set is not exactly the
// six documented keys.
func DecodeCoordinatorParams(data []byte) (CoordinatorParams, error) {
	obj, err := decodeObject(data, coordinatorParamKeys...)
	if err != nil {
		return CoordinatorParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	var p CoordinatorParams
	for _, field := range []struct {
		key string
		dst *string
	}{
		{"run_directory", &p.RunDirectory},
		{"channel", &p.Channel},
		{"controller_hostname", &p.ControllerHostname},
		{"group", &p.Group},
		{"hostname", &p.Hostname},
	} {
		value, err := obj.str(field.key)
		if err != nil {
			return CoordinatorParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		*field.dst = value
	}
	if isNull(obj["tools"]) {
		return CoordinatorParams{}, fmt.Errorf("%w: tools is null", ErrInvalidParams)
	}
	if err := json.Unmarshal(obj["tools"], &p.Tools); err != nil {
		return CoordinatorParams{}, fmt.Errorf("%w: tools: %v", ErrInvalidParams, err)
	}
	if err := p.Validate(); err != nil {
		return CoordinatorParams{}, err
	}
	return p, nil
}

// Validate checks field contents once the key set is known to be complete.
func (p CoordinatorParams) Validate() error {
	switch {
	case strings.TrimSpace(p.RunDirectory) == "":
		return fmt.Errorf("%w: run_directory empty", ErrInvalidParams)
	case strings.TrimSpace(p.Channel) == "":
		return fmt.Errorf("%w: channel empty", ErrInvalidParams)
	case strings.TrimSpace(p.ControllerHostname) == "":
		return fmt.Errorf("%w: controller_hostname empty", ErrInvalidParams)
	case strings.TrimSpace(p.Group) == "":
		return fmt.Errorf("%w: group empty", ErrInvalidParams)
	case strings.TrimSpace(p.Hostname) == "":
		return fmt.Errorf("%w: hostname empty", ErrInvalidParams)
	case p.Hostname == KindSink:
		return fmt.Errorf("%w: hostname %q is reserved for the sink", ErrInvalidParams, p.Hostname)
	}
	for name := range p.Tools {
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "/\\") {
			return fmt.Errorf("%w: invalid tool name %q", ErrInvalidParams, name)
		}
	}
	return nil
}

// Local reports whether the coordinator runs on the controller and so shares
// the run directory with the orchestrator and the sink.
func (p CoordinatorParams) Local() bool {
	return p.Hostname == p.ControllerHostname
}

// SinkParams is the parameter block stored under SinkParamKey.
type SinkParams struct {
	Channel      string `json:"channel"`
	RunDirectory string `json:"run_directory"`
}

func DecodeSinkParams(data []byte) (SinkParams, error) {
	obj, err := decodeObject(data, "channel", "run_directory")
	if err != nil {
		return SinkParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	var p SinkParams
	if p.Channel, err = obj.str("channel"); err != nil {
		return SinkParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.RunDirectory, err = obj.str("run_directory"); err != nil {
		return SinkParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if strings.TrimSpace(p.Channel) == "" || strings.TrimSpace(p.RunDirectory) == "" {
		return SinkParams{}, fmt.Errorf("%w: empty field", ErrInvalidParams)
	}
	return p, nil
}
