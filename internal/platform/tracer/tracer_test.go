package tracer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"credtrust/internal/platform/tracer"
)

func TestNoopTracer(t *testing.T) {
	tr := tracer.NewNoop()
	ctx := context.Background()

	newCtx, span := tr.Start(ctx, tracer.SpanVerifyCheck, tracer.String(tracer.AttrCheck, "parse"))
	assert.Equal(t, ctx, newCtx)
	require.NotNil(t, span)

	span.SetAttributes(tracer.Int64(tracer.AttrRiskScore, 12))
	span.AddEvent("cache.miss")
	span.End(errors.New("boom"))
}

func TestOTelTracerWithNoopProvider(t *testing.T) {
	tr := tracer.NewOTel(tracer.WithOTelTracer(noop.NewTracerProvider().Tracer("test")))

	_, span := tr.Start(context.Background(), tracer.SpanVerify,
		tracer.Bool(tracer.AttrCacheHit, false),
		tracer.Float64("weight", 0.68),
		tracer.String(tracer.AttrFormat, "jwt"),
	)
	require.NotNil(t, span)
	span.AddEvent("checks.done", tracer.Int64("count", 7))
	span.End(nil)
}

func TestHashIdentifier(t *testing.T) {
	assert.Empty(t, tracer.HashIdentifier(""))
	h := tracer.HashIdentifier("urn:uuid:1234")
	assert.Len(t, h, 16)
	assert.Equal(t, h, tracer.HashIdentifier("urn:uuid:1234"))
	assert.NotEqual(t, h, tracer.HashIdentifier("urn:uuid:1235"))
}
