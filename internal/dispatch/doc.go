// Package dispatch maps inbound control-channel messages to execution
// engine calls and builds the reply, if any.
//
// Handling rules:
//   - run-analysis creates an execution and always replies with a
//     run-analysis-response, PENDING on success or FAILED with the error.
//   - stop-analysis stops an execution and replies with an ack.
//   - register, heartbeat, status echoes and acks are logged and dropped.
//   - Unknown frames are logged with their raw payload and dropped.
//
// A panic while handling a message is recovered. For run-analysis it becomes
// a FAILED reply; for anything else the message is dropped.
package dispatch
