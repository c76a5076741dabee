// Package vpn drives the OpenVPN client on behalf of an authenticated user.
//
// The package covers:
//
//   - Binary location: finding the OpenVPN executable and probing its version
//   - Profile resolution: mapping a service's profile to a validated file
//   - Process management: spawning the client, streaming its output line by
//     line and answering its interactive prompts
//   - Orchestration: the single connect/disconnect state machine
//   - Health checking: probing an established tunnel
//
// # Architecture
//
// The package is organized around three main types:
//
//   - Manager: the connection orchestrator and sole entry point for front ends
//   - Runner: starts client processes and returns a Handle to control them
//   - PromptMatcher: recognizes client prompts so another client can be
//     supported without touching the state machine
//
// # Connection Flow
//
// A typical connection flow:
//
//  1. Front end calls Manager.Connect() with a service ID
//  2. Manager fetches provider metadata and runs the authorization
//  3. Credentials are derived from the authorization result
//  4. Running clients are killed, then a new one is started with the profile
//  5. Prompts are answered from the credentials and the remaining output is
//     forwarded to the observer until the tunnel reports it is up
//
// # Thread Safety
//
// Manager is safe for concurrent use. Concurrent Connect calls are
// serialized: each one tears down the attempt before it.
package vpn
