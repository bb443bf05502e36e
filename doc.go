// Package chorus is a multi-agent orchestration runtime. Several autonomous
// LLM agents share a virtual chat room, consume messages, invoke shell tools,
// and emit replies or file writes.
//
// The package is organized around a few cooperating primitives:
//
//   - ChatRoom: addressed message bus with default-to-group fan-out and a
//     "fresh user message" window.
//   - TurnManager: ticked round-robin scheduler giving agents fair turns,
//     with backpressure, watchdog pokes, and pause/interjection gating.
//   - TurnEngine: the per-agent turn — drain unread, summarize when the
//     context grows past the high watermark, run the multi-hop tool loop,
//     deliver the result, compact.
//   - ChannelLock / TransportGate: the two global exclusion points. At most
//     one agent holds a turn; at most one LLM call is in flight.
//   - AbortDetector / Sanitizer: streaming text policies that cut runaway or
//     role-forging output and censor leaked control tags.
//
// Transport implementations live under provider/ (see provider/openaicompat),
// tools under tools/, and OTEL instrumentation under observer/.
package chorus
