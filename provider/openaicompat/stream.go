package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/seralin/chorus"
)

// partialToolCall accumulates one indexed tool call across stream chunks.
type partialToolCall struct {
	ID   string
	Name string
	Args strings.Builder
}

// consumeStream reads a chat stream and returns the accumulated reply.
//
// Three wire shapes are accepted:
//   - SSE: "data: {chunk}" lines terminated by "data: [DONE]"
//   - native: one bare JSON object per line, terminated by done:true
//   - plain application/json: a single complete ChatResponse (some proxies
//     buffer the whole completion)
//
// Per chunk the content delta is sanitized, merged, reported via OnData,
// and the abort detectors run over the accumulated text. A detector match
// truncates at its index, cancels the request, and marks the reply
// censored. The idle watchdog fires after idleTimeout without data; the
// hard stop bounds the whole stream.
func consumeStream(ctx context.Context, cancel context.CancelCauseFunc, resp *http.Response,
	opts chorus.ChatOptions, native bool, idleTimeout, hardStop time.Duration, onFirst func()) (chorus.AssistantReply, error) {

	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "application/json" {
		onFirst()
		return parseSingle(resp)
	}

	idle := time.AfterFunc(idleTimeout, func() { cancel(chorus.ErrStreamIdle) })
	defer idle.Stop()
	hard := time.AfterFunc(hardStop, func() { cancel(chorus.ErrHardStop) })
	defer hard.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	sanitizer := chorus.NewSanitizer()
	var content strings.Builder
	var reasoning strings.Builder
	var toolCalls []partialToolCall
	var reply chorus.AssistantReply
	first := true

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var payload string
		switch {
		case strings.HasPrefix(line, "data: "):
			payload = strings.TrimPrefix(line, "data: ")
		case strings.HasPrefix(line, "data:"):
			payload = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, "{"):
			// Bare-JSON-per-line native stream.
			payload = line
		default:
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var textDelta, reasonDelta string
		var callDeltas []ToolCallRequest
		done := false

		if native {
			var chunk nativeChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if chunk.Message != nil {
				textDelta = chunk.Message.Content
				reasonDelta = chunk.Message.Reasoning
				callDeltas = chunk.Message.ToolCalls
			}
			done = chunk.Done
		} else {
			var chunk ChatResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta == nil {
				delta = chunk.Choices[0].Message
			}
			if delta == nil {
				continue
			}
			textDelta = delta.Content
			reasonDelta = delta.Reasoning
			callDeltas = delta.ToolCalls
		}

		if first {
			first = false
			onFirst()
		}
		idle.Reset(idleTimeout)

		if textDelta != "" {
			content.WriteString(sanitizer.Clean(textDelta))
		}
		if reasonDelta != "" {
			reasoning.WriteString(reasonDelta)
		}
		mergeToolCalls(&toolCalls, callDeltas, native)

		if opts.OnData != nil {
			opts.OnData()
		}

		if d := runDetectors(content.String(), opts); d != nil {
			reply.Censored = true
			reply.CensorReason = d.Reason
			truncated := content.String()
			if d.Index >= 0 && d.Index < len(truncated) {
				truncated = truncated[:d.Index]
			}
			reply.Content = truncated
			cancel(context.Canceled)
			reply.Reasoning = reasoning.String()
			reply.ToolCalls = finishToolCalls(toolCalls)
			return reply, nil
		}

		if done {
			break
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() != nil {
		reply.Content = content.String()
		reply.Reasoning = reasoning.String()
		return reply, err
	} else if err != nil {
		return reply, err
	}

	reply.Content = content.String()
	reply.Reasoning = reasoning.String()
	reply.ToolCalls = finishToolCalls(toolCalls)
	return reply, nil
}

// parseSingle handles a buffered, non-streamed completion body.
func parseSingle(resp *http.Response) (chorus.AssistantReply, error) {
	var parsed ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return chorus.AssistantReply{}, &chorus.ErrLLM{Provider: "openaicompat", Message: "decode buffered completion: " + err.Error()}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil {
		return chorus.AssistantReply{}, &chorus.ErrLLM{Provider: "openaicompat", Message: "empty completion"}
	}
	msg := parsed.Choices[0].Message
	reply := chorus.AssistantReply{
		Content:   chorus.NewSanitizer().Clean(msg.Content),
		Reasoning: msg.Reasoning,
	}
	var partial []partialToolCall
	mergeToolCalls(&partial, msg.ToolCalls, true)
	reply.ToolCalls = finishToolCalls(partial)
	return reply, nil
}

// mergeToolCalls folds indexed tool call fragments into the accumulator.
// Native chunks carry whole calls, so each one gets a fresh slot.
func mergeToolCalls(acc *[]partialToolCall, deltas []ToolCallRequest, native bool) {
	for _, tc := range deltas {
		idx := tc.Index
		if native {
			idx = len(*acc)
		}
		for len(*acc) <= idx {
			*acc = append(*acc, partialToolCall{})
		}
		slot := &(*acc)[idx]
		if tc.ID != "" {
			slot.ID = tc.ID
		}
		if tc.Function.Name != "" {
			slot.Name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			slot.Args.WriteString(tc.Function.Arguments)
		}
	}
}

// finishToolCalls converts accumulated fragments to chorus tool calls,
// defaulting invalid argument JSON to {} and assigning missing ids.
func finishToolCalls(partial []partialToolCall) []chorus.ToolCall {
	var out []chorus.ToolCall
	for _, tc := range partial {
		if tc.Name == "" {
			continue
		}
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		id := tc.ID
		if id == "" {
			id = chorus.NewID()
		}
		out = append(out, chorus.ToolCall{ID: id, Name: tc.Name, Args: args})
	}
	return out
}

// runDetectors evaluates the detector panel in order against the full
// accumulated text. First match wins.
func runDetectors(text string, opts chorus.ChatOptions) *chorus.Detection {
	for _, d := range opts.Detectors {
		if det := d.Check(text, opts.DetectContext); det != nil {
			return det
		}
	}
	return nil
}
