// ABOUTME: Starter configuration written by `a2a-agent init`
// ABOUTME: Two agents greeting each other over the in-process transport

package config

// Sample is a complete, valid configuration for two agents on the memory
// transport. Both agents answer greetings only, so their responses do not
// trigger further responses. Switching transport.kind to relay or matrix
// needs the commented fields filled in.
const Sample = `# coven-a2a agent configuration

agents:
  - name: agent1
    peer: agent2
    receive_timeout: "10s"
    cycle_period: "5s"
    react_to: [greeting]
  - name: agent2
    peer: agent1
    react_to: [greeting]

transport:
  kind: memory
  # relay_url: "http://localhost:8740"
  # homeserver: "https://matrix.example.org"
  send_timeout: "10s"

journal:
  # path: "a2a-journal.db"

# completion:
#   provider: openai
#   api_key: "${OPENAI_API_KEY}"
#   assistant_id: "asst_..."
#   timeout: "1m"

logging:
  level: info
  format: text

shutdown_timeout: "15s"
`
