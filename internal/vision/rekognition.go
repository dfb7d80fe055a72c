package vision

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/rs/zerolog"

	"parkgate/internal/utils"
)

// RekognitionEngine decodes plate text with AWS Rekognition DetectText.
// Among the detected lines it keeps the best-confidence one that still
// looks like a registration number after normalization.
type RekognitionEngine struct {
	client *rekognition.Client
	log    zerolog.Logger
}

func NewRekognitionEngine(client *rekognition.Client, log zerolog.Logger) *RekognitionEngine {
	return &RekognitionEngine{client: client, log: log}
}

func (e *RekognitionEngine) Recognize(ctx context.Context, candidate Candidate) (Reading, error) {
	input := &rekognition.DetectTextInput{
		Image: &types.Image{Bytes: candidate.Data},
	}

	result, err := e.client.DetectText(ctx, input)
	if err != nil {
		return Reading{}, fmt.Errorf("rekognition detect text: %w", err)
	}

	var best Reading
	for _, detection := range result.TextDetections {
		if detection.Type != types.TextTypesLine {
			continue
		}
		if detection.DetectedText == nil || detection.Confidence == nil {
			continue
		}
		text := *detection.DetectedText
		confidence := float64(*detection.Confidence) / 100.0
		if !utils.ValidPlate(utils.NormalizePlate(text)) {
			continue
		}
		if confidence > best.Confidence {
			best = Reading{Text: text, Confidence: confidence}
		}
	}

	if best.Text == "" {
		e.log.Debug().
			Int("detections", len(result.TextDetections)).
			Msg("no plate-shaped text in candidate")
		return Reading{}, ErrNoText
	}
	return best, nil
}
