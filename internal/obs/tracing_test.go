// Copyright 2025 James Ross
package obs

import (
	"context"
	"testing"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/stretchr/testify/require"
)

func TestMaybeInitTracingDisabledByDefault(t *testing.T) {
	cfg := &config.Config{}
	tp, err := MaybeInitTracing(cfg)
	require.NoError(t, err)
	require.Nil(t, tp)
}

func TestMaybeInitTracingRequiresEndpoint(t *testing.T) {
	cfg := &config.Config{}
	cfg.Observability.Tracing.Enabled = true
	tp, err := MaybeInitTracing(cfg)
	require.NoError(t, err)
	require.Nil(t, tp)
}

func TestContextWithJobSpanDoesNotPanic(t *testing.T) {
	entry := model.QueueEntry{JobID: "job-1", ActionID: "img_resize", Tier: model.TierHigh, Priority: 50}
	ctx, span := ContextWithJobSpan(context.Background(), entry)
	require.NotNil(t, ctx)
	span.End()
}

func TestRecordErrorAndSuccessDoNotPanicWithoutActiveSpan(t *testing.T) {
	ctx := context.Background()
	RecordError(ctx, nil)
	SetSpanSuccess(ctx)
}

func TestKeyValueTypeDispatch(t *testing.T) {
	require.Equal(t, "a", KeyValue("k", "a").Value.AsString())
	require.EqualValues(t, 3, KeyValue("k", 3).Value.AsInt64())
}

func TestInjectExtractTraceContextRoundTrips(t *testing.T) {
	carrier := InjectTraceContext(context.Background())
	ctx := ExtractTraceContext(context.Background(), carrier)
	require.NotNil(t, ctx)
}
