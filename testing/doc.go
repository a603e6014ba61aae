// Package testing provides test utilities for the taskplane library.
//
// It follows Go's convention of a dedicated testing package (similar to
// net/http/httptest), offering an embedded NATS server for integration
// tests plus in-memory fakes for the task store and credential source so
// unit tests of the engine, sweep and RPC layers need no JetStream at all.
//
// Key utilities:
//   - StartEmbeddedNATS: in-process NATS server with JetStream
//   - NewMemoryStore: in-memory store.Store with real CAS semantics
//   - NewMemoryCredentials: in-memory types.CredentialSource
//   - NewTestLogger: types.Logger writing through testing.T
//
// Example usage:
//
//	import (
//	    "testing"
//	    tptest "github.com/taskplane/taskplane/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    _, nc := tptest.StartEmbeddedNATS(t)
//	    // Use nc for your tests
//	}
package testing
