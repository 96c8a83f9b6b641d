// Package keys builds the literal, bit-exact key strings relaykv uses in
// the backend (spec.md §3). Every other package goes through here rather
// than formatting keys itself, so the patterns stay in exactly one place.
package keys

import "fmt"

// Lock returns the singleton lock key for a namespace.
func Lock(ns string) string {
	return fmt.Sprintf("STORAGE_PROCESSOR_%s", ns)
}

// Queue returns the incoming queue key for a namespace/queue id pair.
func Queue(ns, qid string) string {
	return fmt.Sprintf("%s-Q-%s", ns, qid)
}

// Processing returns the in-flight processing list key.
func Processing(ns, qid string) string {
	return fmt.Sprintf("%s-QP-%s", ns, qid)
}

// QueueChannel returns the wake-up pub/sub channel for a queue.
func QueueChannel(ns, qid string) string {
	return fmt.Sprintf("%s-Q-%s-CHANNEL", ns, qid)
}

// Value returns the simple-value key for ns/key.
func Value(ns, key string) string {
	return fmt.Sprintf("%s-VAL-%s", ns, key)
}

// State returns the versioned-state key for ns/key.
func State(ns, key string) string {
	return fmt.Sprintf("%s-STATE-%s", ns, key)
}

// StateDelta returns the delta pub/sub channel for ns/key.
func StateDelta(ns, key string) string {
	return fmt.Sprintf("%s-STATE-%s-DELTA", ns, key)
}

// Map returns the hashmap key for ns/key.
func Map(ns, key string) string {
	return fmt.Sprintf("%s-MAP-%s", ns, key)
}

// Set returns the string-set key for ns/key.
func Set(ns, key string) string {
	return fmt.Sprintf("%s-SET-%s", ns, key)
}

// PushSignal is the fixed payload published on a queue's wake channel.
const PushSignal = "PUSH"
