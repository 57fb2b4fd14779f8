package knowledge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/aws/smithy-go"

	"github.com/fedrag/privacy-rag/apperr"
)

// BedrockAPI is the subset of the Bedrock Agent Runtime client in use.
type BedrockAPI interface {
	RetrieveAndGenerate(ctx context.Context, params *bedrockagentruntime.RetrieveAndGenerateInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveAndGenerateOutput, error)
	Retrieve(ctx context.Context, params *bedrockagentruntime.RetrieveInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveOutput, error)
}

type BedrockConfig struct {
	Region          string
	KnowledgeBaseID string
	ModelARN        string
	// NumberOfResults bounds the passages fed to generation; zero keeps the
	// service default.
	NumberOfResults int
}

// BedrockService implements Service on a Bedrock knowledge base.
type BedrockService struct {
	client BedrockAPI
	cfg    BedrockConfig
}

func NewBedrockService(client BedrockAPI, cfg BedrockConfig) *BedrockService {
	return &BedrockService{client: client, cfg: cfg}
}

// NewBedrockServiceFromConfig loads AWS credentials from the default chain.
// SDK-level retries are disabled; the resilience executor owns retrying.
func NewBedrockServiceFromConfig(ctx context.Context, cfg BedrockConfig) (*BedrockService, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRetryMaxAttempts(1)}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "knowledge.config", err)
	}
	return NewBedrockService(bedrockagentruntime.NewFromConfig(awsCfg), cfg), nil
}

func (s *BedrockService) RetrieveAndGenerate(ctx context.Context, in GenerateInput) (GenerateOutput, error) {
	kb := &types.KnowledgeBaseRetrieveAndGenerateConfiguration{
		KnowledgeBaseId: aws.String(s.cfg.KnowledgeBaseID),
		ModelArn:        aws.String(s.cfg.ModelARN),
	}
	if in.Guardrail != nil {
		kb.GenerationConfiguration = &types.GenerationConfiguration{
			GuardrailConfiguration: &types.GuardrailConfiguration{
				GuardrailId:      aws.String(in.Guardrail.ID),
				GuardrailVersion: aws.String(in.Guardrail.Version),
			},
		}
	}
	if s.cfg.NumberOfResults > 0 {
		kb.RetrievalConfiguration = vectorSearch(s.cfg.NumberOfResults)
	}

	req := &bedrockagentruntime.RetrieveAndGenerateInput{
		Input: &types.RetrieveAndGenerateInput{Text: aws.String(in.Question)},
		RetrieveAndGenerateConfiguration: &types.RetrieveAndGenerateConfiguration{
			Type:                       types.RetrieveAndGenerateTypeKnowledgeBase,
			KnowledgeBaseConfiguration: kb,
		},
	}
	if in.SessionID != "" {
		req.SessionId = aws.String(in.SessionID)
	}

	out, err := s.client.RetrieveAndGenerate(ctx, req)
	if err != nil {
		return GenerateOutput{}, decodeError(ctx, "knowledge.retrieve_and_generate", err)
	}

	result := GenerateOutput{
		GuardrailAction: GuardrailActionNone,
		SessionID:       aws.ToString(out.SessionId),
		Citations:       make([]Citation, 0, len(out.Citations)),
	}
	if out.Output != nil {
		result.AnswerText = aws.ToString(out.Output.Text)
	}
	if out.GuardrailAction == types.GuadrailActionIntervened {
		result.GuardrailAction = GuardrailActionIntervened
	}
	for _, c := range out.Citations {
		result.Citations = append(result.Citations, convertCitation(c))
	}
	return result, nil
}

func (s *BedrockService) Retrieve(ctx context.Context, question string, topK int) ([]Snippet, error) {
	req := &bedrockagentruntime.RetrieveInput{
		KnowledgeBaseId: aws.String(s.cfg.KnowledgeBaseID),
		RetrievalQuery:  &types.KnowledgeBaseQuery{Text: aws.String(question)},
	}
	if topK > 0 {
		req.RetrievalConfiguration = vectorSearch(topK)
	}

	out, err := s.client.Retrieve(ctx, req)
	if err != nil {
		return nil, decodeError(ctx, "knowledge.retrieve", err)
	}

	snippets := make([]Snippet, 0, len(out.RetrievalResults))
	for _, r := range out.RetrievalResults {
		sn := Snippet{
			SourceURI: locationURI(r.Location),
			Score:     aws.ToFloat64(r.Score),
		}
		if r.Content != nil {
			sn.Text = aws.ToString(r.Content.Text)
		}
		snippets = append(snippets, sn)
	}
	return snippets, nil
}

func vectorSearch(n int) *types.KnowledgeBaseRetrievalConfiguration {
	return &types.KnowledgeBaseRetrievalConfiguration{
		VectorSearchConfiguration: &types.KnowledgeBaseVectorSearchConfiguration{
			NumberOfResults: aws.Int32(int32(n)),
		},
	}
}

func convertCitation(c types.Citation) Citation {
	var out Citation
	if c.GeneratedResponsePart != nil && c.GeneratedResponsePart.TextResponsePart != nil {
		part := c.GeneratedResponsePart.TextResponsePart
		out.AnswerSpan.Text = aws.ToString(part.Text)
		if part.Span != nil {
			out.AnswerSpan.Start = int(aws.ToInt32(part.Span.Start))
			out.AnswerSpan.End = int(aws.ToInt32(part.Span.End))
		}
	}

	out.References = make([]Reference, 0, len(c.RetrievedReferences))
	for _, r := range c.RetrievedReferences {
		ref := Reference{SourceURI: locationURI(r.Location)}
		if r.Content != nil {
			ref.Text = aws.ToString(r.Content.Text)
		}
		if len(r.Metadata) > 0 {
			ref.Metadata = make(map[string]any, len(r.Metadata))
			for k, doc := range r.Metadata {
				if doc == nil {
					continue
				}
				var v any
				if err := doc.UnmarshalSmithyDocument(&v); err == nil {
					ref.Metadata[k] = v
				}
			}
		}
		out.References = append(out.References, ref)
	}
	return out
}

func locationURI(loc *types.RetrievalResultLocation) string {
	if loc == nil {
		return ""
	}
	switch {
	case loc.S3Location != nil:
		return aws.ToString(loc.S3Location.Uri)
	case loc.WebLocation != nil:
		return aws.ToString(loc.WebLocation.Url)
	}
	return ""
}

// decodeError converts SDK and transport failures into *apperr.Error.
func decodeError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &apperr.Error{Kind: apperr.KindTimeout, Op: op, StatusCode: http.StatusGatewayTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &apperr.Error{Kind: apperr.KindTimeout, Op: op, Message: "request canceled", Err: err}
	}

	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		if status == 0 {
			status = http.StatusBadGateway
		}
		return &apperr.Error{Kind: apperr.KindUpstreamError, Op: op, StatusCode: status, Err: err}
	}

	code := apiErr.ErrorCode()
	msg := apiErr.ErrorMessage()
	lowerCode := strings.ToLower(code)

	switch {
	case status == http.StatusTooManyRequests ||
		strings.Contains(lowerCode, "throttling") ||
		strings.Contains(lowerCode, "toomanyrequests") ||
		strings.Contains(strings.ToLower(msg), "too many requests"):
		if status == 0 {
			status = http.StatusTooManyRequests
		}
		return &apperr.Error{Kind: apperr.KindUpstreamThrottled, Op: op, StatusCode: status, Retryable: true, Code: code, Message: msg, Err: err}
	case strings.Contains(strings.ToLower(msg), "guardrail"):
		return &apperr.Error{Kind: apperr.KindGuardrailIntervention, Op: op, StatusCode: status, Code: code, Message: msg, Err: err}
	default:
		if status == 0 {
			status = http.StatusBadGateway
		}
		return &apperr.Error{Kind: apperr.KindUpstreamError, Op: op, StatusCode: status, Code: code, Message: fmt.Sprintf("%s: %s", code, msg), Err: err}
	}
}
