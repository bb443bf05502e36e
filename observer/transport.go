package observer

import (
	"context"
	"time"

	"github.com/seralin/chorus"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	choruslog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTransport wraps a chorus.Transport with OTEL instrumentation.
type ObservedTransport struct {
	inner chorus.Transport
	inst  *Instruments
}

// WrapTransport returns an instrumented transport.
func WrapTransport(inner chorus.Transport, inst *Instruments) *ObservedTransport {
	return &ObservedTransport{inner: inner, inst: inst}
}

func (o *ObservedTransport) ChatOnce(ctx context.Context, model string, messages []chorus.ChatMessage, opts chorus.ChatOptions) (chorus.AssistantReply, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "chat.once", trace.WithAttributes(
		AttrModel.String(model),
		AttrMethod.String("ChatOnce"),
		AttrToolCount.Int(len(opts.Tools)),
	))
	defer span.End()
	start := time.Now()

	reply, err := o.inner.ChatOnce(ctx, model, messages, opts)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		AttrReplyLength.Int(len(reply.Content)),
		AttrCensored.Bool(reply.Censored),
	)
	if reply.Censored {
		span.SetAttributes(AttrCensorReason.String(reply.CensorReason))
		o.inst.CensoredCuts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", reply.CensorReason),
		))
	}

	o.inst.ChatRequests.Add(ctx, 1, metric.WithAttributes(
		AttrModel.String(model),
		attribute.String("status", status),
	))
	o.inst.ChatDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrModel.String(model),
	))
	o.inst.ReplyLength.Record(ctx, int64(len(reply.Content)), metric.WithAttributes(
		AttrModel.String(model),
	))

	// Structured log
	var rec choruslog.Record
	rec.SetSeverity(choruslog.SeverityInfo)
	rec.SetBody(choruslog.StringValue("chat completed"))
	rec.AddAttributes(
		choruslog.String("llm.model", model),
		choruslog.String("llm.status", status),
		choruslog.Int("llm.reply_length", len(reply.Content)),
		choruslog.Bool("llm.censored", reply.Censored),
		choruslog.Float64("llm.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return reply, err
}

func (o *ObservedTransport) SummarizeOnce(ctx context.Context, model string, messages []chorus.ChatMessage, opts chorus.SummarizeOptions) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "chat.summarize", trace.WithAttributes(
		AttrModel.String(model),
		AttrMethod.String("SummarizeOnce"),
	))
	defer span.End()
	start := time.Now()

	summary, err := o.inner.SummarizeOnce(ctx, model, messages, opts)

	durationMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.inst.ChatDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrModel.String(model),
		AttrMethod.String("SummarizeOnce"),
	))
	return summary, err
}

func (o *ObservedTransport) Interrupt() {
	o.inner.Interrupt()
}

// Compile-time interface check.
var _ chorus.Transport = (*ObservedTransport)(nil)
