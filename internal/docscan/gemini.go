package docscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"credportal/internal/models"
)

const extractionPrompt = `You are an expert data extraction assistant. Your job is to extract specific fields from the following raw text of an academic certificate and return the data in a clean JSON format.

Here are the rules:
1. The required fields are: "credential_id", "student_name", "student_wallet", "course_name", "year_of_passing", and "university_name".
2. "student_wallet" is a 0x-prefixed hexadecimal wallet address. "credential_id" is the certificate or credential identifier.
3. If a field cannot be found in the text, its value in the JSON must be null.
4. Your entire response must be ONLY the JSON object. Do not include any explanations, apologies, or any text before or after the JSON.
5. Clean the extracted data by removing any unnecessary newline characters or extra whitespace.

Here is the raw text:
"""
%s
"""`

// GeminiParser extracts certificate fields from OCR text with Gemini.
type GeminiParser struct {
	client *genai.Client
	model  string
}

func NewGeminiParser(ctx context.Context, apiKey, model string) (*GeminiParser, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing GEMINI_API_KEY")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to init Gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash-lite"
	}
	return &GeminiParser{client: client, model: model}, nil
}

func (g *GeminiParser) Parse(ctx context.Context, ocrText string) (models.ParsedCredential, error) {
	model := g.client.GenerativeModel(g.model)
	// Ask Gemini to return JSON only
	model.GenerationConfig = genai.GenerationConfig{ResponseMIMEType: "application/json"}

	resp, err := model.GenerateContent(ctx, genai.Text(fmt.Sprintf(extractionPrompt, ocrText)))
	if err != nil {
		return models.ParsedCredential{}, fmt.Errorf("gemini generation failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return models.ParsedCredential{}, errors.New("empty response from Gemini")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		} else {
			sb.WriteString(fmt.Sprint(part))
		}
	}
	return decodeFields(sb.String())
}

func (g *GeminiParser) Close() error {
	return g.client.Close()
}

// decodeFields reads the model's JSON answer, tolerating code fences,
// surrounding prose and null values.
func decodeFields(text string) (models.ParsedCredential, error) {
	var out models.ParsedCredential
	jsonStr := strings.TrimSpace(text)
	if jsonStr == "" {
		return out, errors.New("no text in Gemini response")
	}
	jsonStr = stripCodeFences(jsonStr)
	if candidate, ok := extractFirstJSON(jsonStr); ok {
		jsonStr = candidate
	}

	var tmp map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &tmp); err != nil {
		return out, fmt.Errorf("failed to parse Gemini JSON: %w", err)
	}
	get := func(k string) string {
		v, ok := tmp[k]
		if !ok || v == nil {
			return ""
		}
		switch t := v.(type) {
		case string:
			return strings.TrimSpace(t)
		default:
			b, _ := json.Marshal(t)
			return strings.TrimSpace(string(b))
		}
	}

	out.CredentialID = get("credential_id")
	out.StudentName = get("student_name")
	out.StudentWallet = get("student_wallet")
	out.CourseName = get("course_name")
	out.YearOfPassing = get("year_of_passing")
	out.UniversityName = get("university_name")

	if out.CredentialID == "" && out.StudentWallet == "" {
		return out, ErrNoIdentifier
	}
	return out, nil
}

// stripCodeFences removes surrounding Markdown code fences like ```json ... ```.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimSpace(strings.TrimPrefix(s, "```"))
	if i := strings.IndexByte(s, '\n'); i != -1 {
		if first := strings.TrimSpace(s[:i]); len(first) > 0 && len(first) < 20 && !strings.ContainsAny(first, "{[") {
			s = s[i+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// extractFirstJSON returns the first balanced JSON object or array in s.
func extractFirstJSON(s string) (string, bool) {
	if obj, ok := extractBalanced(s, '{', '}'); ok {
		return obj, true
	}
	return extractBalanced(s, '[', ']')
}

func extractBalanced(s string, open, close rune) (string, bool) {
	start := -1
	depth := 0
	for i, r := range s {
		switch r {
		case open:
			if depth == 0 {
				start = i
			}
			depth++
		case close:
			if depth > 0 {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
