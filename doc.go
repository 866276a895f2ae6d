// Package a2abridge connects clients of the legacy A2A JSON-RPC protocol
// to a session-based agent backend, and lets the bridge delegate turns to
// remote A2A agents.
//
// # Quick Start
//
// Install the bridge:
//
//	go install github.com/kadirpekel/a2abridge/cmd/a2abridge@latest
//
// Describe the backend:
//
//	downstream:
//	  name: agentforce
//	  login_url: https://login.example.com
//	  api_url: https://api.example.com/einstein/ai-agent/v1
//	  agent_id: ${AGENT_ID}
//	  client_id: ${CLIENT_ID}
//	  client_secret: ${CLIENT_SECRET}
//
// Start the server:
//
//	a2abridge serve --config a2abridge.yaml
//
// # Architecture
//
//	A2A client → pkg/server → pkg/bridge → pkg/session + pkg/downstream → backend
//	                        ↘ pkg/delegation → pkg/descriptor → remote A2A agent
//
// Inbound requests are JSON-RPC 2.0 (tasks/send, tasks/get, tasks/cancel,
// tasks/sendSubscribe). Each A2A context maps to one backend session whose
// message sequence ids are strictly increasing. Streaming replies are
// translated frame by frame into Server-Sent Events.
//
// # Packages
//
//   - pkg/bridge: JSON-RPC dispatch and the task state machine
//   - pkg/session: context to session mappings (memory, redis, sql)
//   - pkg/downstream: backend client, sync and streaming
//   - pkg/credentials: client-credentials token cache
//   - pkg/descriptor: cached remote agent card resolution
//   - pkg/delegation: outbound calls to configured remote agents
//   - pkg/apierr: error kinds and their HTTP and JSON-RPC renderings
package a2abridge
