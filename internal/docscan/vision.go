package docscan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"
)

// VisionOCR extracts text from certificate images with Google Cloud Vision.
type VisionOCR struct {
	client *vision.ImageAnnotatorClient
}

// NewVisionOCR creates a Vision client. An empty credentialsFile uses the
// application default credentials.
func NewVisionOCR(ctx context.Context, credentialsFile string) (*VisionOCR, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init OCR client: %w", err)
	}
	return &VisionOCR{client: client}, nil
}

func (v *VisionOCR) ExtractText(ctx context.Context, image []byte) (string, error) {
	resp, err := v.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: image},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_TEXT_DETECTION, MaxResults: 1}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("vision text detection: %w", err)
	}
	if len(resp.GetResponses()) == 0 {
		return "", ErrNoText
	}
	res := resp.GetResponses()[0]
	if e := res.GetError(); e != nil && e.GetMessage() != "" {
		return "", errors.New("vision: " + e.GetMessage())
	}
	if full := strings.TrimSpace(res.GetFullTextAnnotation().GetText()); full != "" {
		return full, nil
	}
	if anns := res.GetTextAnnotations(); len(anns) > 0 && strings.TrimSpace(anns[0].GetDescription()) != "" {
		return anns[0].GetDescription(), nil
	}
	return "", ErrNoText
}

func (v *VisionOCR) Close() error {
	return v.client.Close()
}
