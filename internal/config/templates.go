package config

import (
	"fmt"
	"os"
)

func Template() string { return agentTemplate }

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(agentTemplate), 0o600)
}

const agentTemplate = `run_root = "/var/lib/toolmeister"
install_dir = "/opt/toolmeister"
controller = "controller.example.com"
broker_port = 17001
broker_db = "/var/lib/toolmeister/tm/broker.db"
sink_port = 8080
ready_timeout = "2m"
status_timeout = "10m"
pid_poll_interval = "100ms"
pid_poll_attempts = 100
delivery_retry_interval = "100ms"
delivery_retry_attempts = 200

[ssh]
user = "toolmeister"
port = "22"
key_path = "/etc/toolmeister/id_ed25519"
known_hosts = ""
insecure_skip_host_key = false
timeout = "10s"
`
