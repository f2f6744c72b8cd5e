// Package harness runs session scenarios and compares their event traces
// against golden files.
//
// A scenario drives one session over an in-process overlay network. Remote
// peers are named by alias; the session itself is "self". The harness ticks
// the app, sends on behalf of the host, injects inbound messages from remote
// peers, and records every host-visible event with the tick it appeared on.
//
// # Scenario Format
//
//	name: handshake_send
//	description: "Host sends the sentinel and connects"
//	connect_on_send: true        # optional, default true
//	init_error: ""               # optional, makes identity creation fail
//	peers: [p1]                  # aliases joined to the network
//	unknown: [ghost]             # aliases with valid addresses nobody owns
//	steps:
//	  - send: {to: p1, extra: START}
//	  - receive: {from: p1, counter: 2}
//	  - send_raw: {to: "not a key"}
//	  - ticks: 2
//	expect:
//	  status: connected_peer
//	  counterpart: p1
//	  counts: {message_sent: 1}
//
// # Deterministic Testing
//
// Correlation ids come from a sequence ("corr-1", "corr-2", ...). Before
// each tick that should observe a background result, the harness waits for
// the bridge to accept the expected number of closures, so each closure
// lands on a known tick. Addresses in traces and error causes are replaced
// by aliases.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/handshake_send.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
package harness
