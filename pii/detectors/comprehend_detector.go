package detectors

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	"github.com/aws/aws-sdk-go-v2/service/comprehend/types"
)

const defaultLanguageCode = "en"

// ComprehendAPI is the subset of the Comprehend client used for detection.
type ComprehendAPI interface {
	DetectPiiEntities(ctx context.Context, params *comprehend.DetectPiiEntitiesInput, optFns ...func(*comprehend.Options)) (*comprehend.DetectPiiEntitiesOutput, error)
}

// ComprehendDetector detects PII with the managed Amazon Comprehend service.
// Comprehend reports offsets in characters, which is what the rest of the
// package uses.
type ComprehendDetector struct {
	client ComprehendAPI
}

func NewComprehendDetector(client ComprehendAPI) *ComprehendDetector {
	return &ComprehendDetector{client: client}
}

// NewComprehendDetectorFromRegion builds a client from the default AWS
// credential chain. An empty region defers to AWS_REGION.
func NewComprehendDetectorFromRegion(ctx context.Context, region string) (*ComprehendDetector, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for comprehend: %w", err)
	}
	return NewComprehendDetector(comprehend.NewFromConfig(cfg)), nil
}

func (c *ComprehendDetector) GetName() string {
	return DetectorNameComprehend
}

func (c *ComprehendDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	lang := input.LanguageCode
	if lang == "" {
		lang = defaultLanguageCode
	}

	out, err := c.client.DetectPiiEntities(ctx, &comprehend.DetectPiiEntitiesInput{
		Text:         aws.String(input.Text),
		LanguageCode: types.LanguageCode(lang),
	})
	if err != nil {
		return DetectorOutput{}, err
	}

	runes := []rune(input.Text)
	entities := make([]Entity, 0, len(out.Entities))
	for _, e := range out.Entities {
		entity := Entity{
			Label:      string(e.Type),
			StartPos:   int(aws.ToInt32(e.BeginOffset)),
			EndPos:     int(aws.ToInt32(e.EndOffset)),
			Confidence: float64(aws.ToFloat32(e.Score)),
		}
		if entity.StartPos >= 0 && entity.StartPos < entity.EndPos && entity.EndPos <= len(runes) {
			entity.Text = string(runes[entity.StartPos:entity.EndPos])
		}
		entities = append(entities, entity)
	}

	return DetectorOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

func (c *ComprehendDetector) Close() error {
	return nil
}
