package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "sender", "send":
		return senderTemplate, nil
	case "receiver", "recv":
		return receiverTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const transportTemplate = `kind = "socket"

[transport]
connect_timeout = "5s"
write_timeout = "0s"
max_connect_attempts = 5
max_send_attempts = 3
max_frame_bytes = 104857600
queue_capacity_bytes = 209715200
socket_buffer_bytes = 0
backoff_initial = "250ms"
backoff_multiplier = 2.0
backoff_max = "5s"
backoff_jitter = true
`

const senderTemplate = transportTemplate + `
[sender]
address = "127.0.0.1"
port = 7700
flows = 16
batch = 1
layers = 3
seeds = 8
fanout = 4
seed = 1
`

const receiverTemplate = transportTemplate + `
[receiver]
address = "0.0.0.0"
port = 7700
expected_senders = 1
queue_capacity_bytes = 209715200

[status]
addr = "127.0.0.1:7710"
cors_origins = ["http://localhost:3000"]
`
