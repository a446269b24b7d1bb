// Package config handles configuration loading for coven-a2a.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The format is chosen by file extension: ".toml" is TOML,
// anything else is YAML. Load applies defaults and validates the agent
// side of the file; the relay binary calls ValidateRelay on top.
//
// # Configuration File
//
// Locations, in order:
//
//  1. The --config flag
//  2. Path from A2A_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven-a2a/agent.yaml (or ~/.config when unset)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	relay:
//	  jwt_secret: "${A2A_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  - name: agent1
//	    peer: agent2
//	    receive_timeout: "10s"
//	    cycle_period: "5s"
//
// # Sections
//
//   - agents: one entry per loop (name, address, password, peer, greeting)
//   - transport: memory, relay or matrix, plus send/dial timeouts
//   - journal: optional sqlite journal of every envelope
//   - relay: listen address, account database and token signing secret
//   - completion: optional OpenAI or Anthropic backend for replies
//   - logging: level and text/json format
package config
