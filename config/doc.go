// Package config loads the bridge configuration.
//
// The config package handles:
//   - Reading the YAML configuration file
//   - Environment overrides (QQBOT_URI, QQBOT_NAME, QQBOT_TOKEN, ...)
//   - Defaults for reconnect, timeout, throttling and logging settings
//   - Validation of the required identity fields
//
// Configuration Format:
//
//	uri: ws://127.0.0.1:8000/
//	name: survival
//	token: change-me
//	client_type: Spigot
//	reconnect:
//	  attempts: 3
//	  backoff: 1s
//	timeouts:
//	  call: 5s
//	  close: 2s
//	  startup_delay: 1s
//	chat_rate:
//	  per_second: 5
//	  burst: 10
//	admin:
//	  listen: 127.0.0.1:8088
//	log:
//	  level: info
//	  format: text
//	  output: stderr
//
// Validation:
//
// uri, name and token are mandatory. A missing value is reported as
// ErrConfigurationMissing and must stop the bridge from starting.
package config
