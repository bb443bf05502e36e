package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for chorus observability spans and metrics.
var (
	AttrModel  = attribute.Key("llm.model")
	AttrMethod = attribute.Key("llm.method")

	AttrToolCount    = attribute.Key("llm.tool_count")
	AttrReplyLength  = attribute.Key("llm.reply_length")
	AttrCensored     = attribute.Key("llm.censored")
	AttrCensorReason = attribute.Key("llm.censor_reason")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrAgentName = attribute.Key("agent.name")
)
