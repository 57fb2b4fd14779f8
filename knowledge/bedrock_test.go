package knowledge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedrag/privacy-rag/apperr"
)

type fakeBedrock struct {
	ragIn  *bedrockagentruntime.RetrieveAndGenerateInput
	ragOut *bedrockagentruntime.RetrieveAndGenerateOutput
	ragErr error
	retIn  *bedrockagentruntime.RetrieveInput
	retOut *bedrockagentruntime.RetrieveOutput
	retErr error
}

func (f *fakeBedrock) RetrieveAndGenerate(ctx context.Context, params *bedrockagentruntime.RetrieveAndGenerateInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveAndGenerateOutput, error) {
	f.ragIn = params
	return f.ragOut, f.ragErr
}

func (f *fakeBedrock) Retrieve(ctx context.Context, params *bedrockagentruntime.RetrieveInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveOutput, error) {
	f.retIn = params
	return f.retOut, f.retErr
}

func testConfig() BedrockConfig {
	return BedrockConfig{KnowledgeBaseID: "KB123", ModelARN: "arn:aws:bedrock:us-east-1::foundation-model/test"}
}

func TestRetrieveAndGenerate_MapsOutput(t *testing.T) {
	fake := &fakeBedrock{ragOut: &bedrockagentruntime.RetrieveAndGenerateOutput{
		Output:          &types.RetrieveAndGenerateOutput{Text: aws.String("Agencies must publish AI inventories.")},
		SessionId:       aws.String("sess-1"),
		GuardrailAction: types.GuadrailActionNone,
		Citations: []types.Citation{{
			GeneratedResponsePart: &types.GeneratedResponsePart{TextResponsePart: &types.TextResponsePart{
				Text: aws.String("Agencies must publish AI inventories."),
				Span: &types.Span{Start: aws.Int32(0), End: aws.Int32(37)},
			}},
			RetrievedReferences: []types.RetrievedReference{
				{
					Content:  &types.RetrievalResultContent{Text: aws.String("Each agency shall ...")},
					Location: &types.RetrievalResultLocation{S3Location: &types.RetrievalResultS3Location{Uri: aws.String("s3://corpus/omb-m-24-10.txt")}},
					Metadata: map[string]document.Interface{"title": document.NewLazyDocument("OMB M-24-10")},
				},
				{Content: &types.RetrievalResultContent{Text: aws.String("orphan passage")}},
			},
		}},
	}}

	svc := NewBedrockService(fake, testConfig())
	out, err := svc.RetrieveAndGenerate(context.Background(), GenerateInput{
		Question:  "What must agencies publish?",
		Guardrail: &GuardrailRef{ID: "gr-default", Version: "3"},
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "Agencies must publish AI inventories.", out.AnswerText)
	assert.Equal(t, GuardrailActionNone, out.GuardrailAction)
	assert.Equal(t, "sess-1", out.SessionID)
	require.Len(t, out.Citations, 1)
	assert.Equal(t, Span{Text: "Agencies must publish AI inventories.", Start: 0, End: 37}, out.Citations[0].AnswerSpan)
	require.Len(t, out.Citations[0].References, 2)
	assert.Equal(t, "s3://corpus/omb-m-24-10.txt", out.Citations[0].References[0].Source())
	assert.Equal(t, "OMB M-24-10", out.Citations[0].References[0].Metadata["title"])
	assert.Equal(t, UnknownSource, out.Citations[0].References[1].Source())

	kb := fake.ragIn.RetrieveAndGenerateConfiguration.KnowledgeBaseConfiguration
	assert.Equal(t, "KB123", aws.ToString(kb.KnowledgeBaseId))
	assert.Equal(t, "gr-default", aws.ToString(kb.GenerationConfiguration.GuardrailConfiguration.GuardrailId))
	assert.Equal(t, "3", aws.ToString(kb.GenerationConfiguration.GuardrailConfiguration.GuardrailVersion))
	assert.Equal(t, "sess-1", aws.ToString(fake.ragIn.SessionId))
}

func TestRetrieveAndGenerate_WithoutGuardrail(t *testing.T) {
	fake := &fakeBedrock{ragOut: &bedrockagentruntime.RetrieveAndGenerateOutput{
		Output:          &types.RetrieveAndGenerateOutput{Text: aws.String("blocked")},
		GuardrailAction: types.GuadrailActionIntervened,
	}}

	out, err := NewBedrockService(fake, testConfig()).RetrieveAndGenerate(context.Background(), GenerateInput{Question: "q"})
	require.NoError(t, err)

	assert.Equal(t, GuardrailActionIntervened, out.GuardrailAction)
	assert.Nil(t, fake.ragIn.RetrieveAndGenerateConfiguration.KnowledgeBaseConfiguration.GenerationConfiguration)
	assert.Nil(t, fake.ragIn.SessionId)
	assert.NotNil(t, out.Citations)
}

func TestRetrieve_MapsSnippets(t *testing.T) {
	fake := &fakeBedrock{retOut: &bedrockagentruntime.RetrieveOutput{
		RetrievalResults: []types.KnowledgeBaseRetrievalResult{
			{Content: &types.RetrievalResultContent{Text: aws.String("privacy act guidance")}, Score: aws.Float64(0.82),
				Location: &types.RetrievalResultLocation{WebLocation: &types.RetrievalResultWebLocation{Url: aws.String("https://example.gov/doc")}}},
		},
	}}

	snippets, err := NewBedrockService(fake, testConfig()).Retrieve(context.Background(), "privacy", 3)
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.Equal(t, Snippet{Text: "privacy act guidance", SourceURI: "https://example.gov/doc", Score: 0.82}, snippets[0])
	assert.Equal(t, int32(3), aws.ToInt32(fake.retIn.RetrievalConfiguration.VectorSearchConfiguration.NumberOfResults))
}

func TestDecodeError(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()

	tests := []struct {
		name      string
		ctx       context.Context
		err       error
		kind      apperr.Kind
		retryable bool
		status    int
	}{
		{
			name: "throttling exception", ctx: context.Background(),
			err: &types.ThrottlingException{Message: aws.String("Rate exceeded")},
			kind: apperr.KindUpstreamThrottled, retryable: true, status: http.StatusTooManyRequests,
		},
		{
			name: "generic too many requests", ctx: context.Background(),
			err: &smithy.GenericAPIError{Code: "ServiceUnavailable", Message: "Too Many Requests"},
			kind: apperr.KindUpstreamThrottled, retryable: true, status: http.StatusTooManyRequests,
		},
		{
			name: "guardrail validation", ctx: context.Background(),
			err: &types.ValidationException{Message: aws.String("Request blocked by guardrail policy")},
			kind: apperr.KindGuardrailIntervention,
		},
		{
			name: "access denied", ctx: context.Background(),
			err: &types.AccessDeniedException{Message: aws.String("no")},
			kind: apperr.KindUpstreamError, status: http.StatusBadGateway,
		},
		{
			name: "deadline", ctx: expired,
			err: fmt.Errorf("operation error: %w", context.DeadlineExceeded),
			kind: apperr.KindTimeout, status: http.StatusGatewayTimeout,
		},
		{
			name: "transport", ctx: context.Background(),
			err: errors.New("connection reset"),
			kind: apperr.KindUpstreamError, status: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeError(tt.ctx, "op", tt.err)
			ae, ok := apperr.As(got)
			require.True(t, ok)
			assert.Equal(t, tt.kind, ae.Kind)
			assert.Equal(t, tt.retryable, ae.Retryable)
			if tt.status != 0 {
				assert.Equal(t, tt.status, ae.StatusCode)
			}
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestGenerateOutputCloneIsDeep(t *testing.T) {
	orig := GenerateOutput{Citations: []Citation{{References: []Reference{{Text: "a", Metadata: map[string]any{"k": []any{"v"}}}}}}}
	cp := orig.Clone()

	cp.Citations[0].References[0].Text = "changed"
	cp.Citations[0].References[0].Metadata["k"].([]any)[0] = "changed"

	assert.Equal(t, "a", orig.Citations[0].References[0].Text)
	assert.Equal(t, "v", orig.Citations[0].References[0].Metadata["k"].([]any)[0])
}
