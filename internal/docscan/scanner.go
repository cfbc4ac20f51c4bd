// Package docscan checks an uploaded certificate image against the
// credentials the portal has on record.
package docscan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"credportal/internal/logging"
	"credportal/internal/models"
)

const (
	StatusVerified = "Verified"
	StatusTampered = "Potentially_Tampered"
	StatusNotFound = "Not_Found"
	MatchThreshold = 0.85
	maxImageBytes  = 10 << 20
)

var (
	ErrNoText       = errors.New("could not extract text from image")
	ErrNoIdentifier = errors.New("no credential id or student wallet found on the document")
	ErrEmptyImage   = errors.New("empty image")
	ErrUnavailable  = errors.New("document scanning is not configured")
)

type TextExtractor interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

type FieldParser interface {
	Parse(ctx context.Context, ocrText string) (models.ParsedCredential, error)
}

// Credentials is the lookup the scanner matches documents against.
type Credentials interface {
	FindLocal(id string) (*models.Credential, error)
	HeldBy(addr string) ([]models.Credential, error)
}

type Result struct {
	Status     string                  `json:"status"`
	Confidence float64                 `json:"match_confidence"`
	Message    string                  `json:"message,omitempty"`
	Parsed     models.ParsedCredential `json:"data"`
	Credential *models.Credential      `json:"record,omitempty"`
}

type Scanner struct {
	ocr    TextExtractor
	parser FieldParser
	creds  Credentials
}

func NewScanner(ocr TextExtractor, parser FieldParser, creds Credentials) *Scanner {
	return &Scanner{ocr: ocr, parser: parser, creds: creds}
}

// Scan reads the certificate image, parses its fields and compares them with
// the matching credential on record.
func (s *Scanner) Scan(ctx context.Context, image []byte) (*Result, error) {
	if s == nil || s.ocr == nil || s.parser == nil {
		return nil, ErrUnavailable
	}
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	if len(image) > maxImageBytes {
		return nil, fmt.Errorf("image larger than %d bytes", maxImageBytes)
	}

	raw, err := s.ocr.ExtractText(ctx, image)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw) == "" {
		return nil, ErrNoText
	}
	parsed, err := s.parser.Parse(ctx, raw)
	if err != nil {
		return nil, err
	}
	logging.Log().Debugf("document fields: %s", logging.PrettyPrintObject(parsed))
	return s.Match(parsed), nil
}

// Match finds the credential the parsed fields refer to and scores how well
// the document agrees with it.
func (s *Scanner) Match(parsed models.ParsedCredential) *Result {
	res := &Result{Parsed: parsed}

	cred := s.lookup(parsed)
	if cred == nil {
		res.Status = StatusNotFound
		res.Message = "No matching record was found for the document."
		return res
	}

	res.Credential = cred
	res.Confidence = score(parsed, cred)
	if res.Confidence >= MatchThreshold {
		res.Status = StatusVerified
		return res
	}
	res.Status = StatusTampered
	res.Message = "The document does not match the official record."
	logging.Log().Infof("document for credential %s scored %.2f", cred.ID, res.Confidence)
	return res
}

func (s *Scanner) lookup(parsed models.ParsedCredential) *models.Credential {
	if parsed.CredentialID != "" {
		if cred, err := s.creds.FindLocal(parsed.CredentialID); err == nil {
			return cred
		}
	}
	if parsed.StudentWallet == "" {
		return nil
	}
	held, err := s.creds.HeldBy(parsed.StudentWallet)
	if err != nil {
		// An unreadable wallet on the document is a miss, not a failure.
		logging.Log().Debugf("document wallet %q: %v", parsed.StudentWallet, err)
		return nil
	}
	var best *models.Credential
	bestScore := -1.0
	for i := range held {
		if sc := similarity(parsed.CourseName, held[i].Title); sc > bestScore {
			best, bestScore = &held[i], sc
		}
	}
	return best
}

// score averages the Jaro-Winkler similarity of the fields present on both
// sides. The institution name counts whenever the record carries one.
func score(parsed models.ParsedCredential, cred *models.Credential) float64 {
	var scores []float64
	if cred.IssuerName != "" {
		scores = append(scores, similarity(parsed.UniversityName, cred.IssuerName))
	}
	if parsed.CourseName != "" {
		scores = append(scores, similarity(parsed.CourseName, cred.Title))
	}
	if parsed.StudentName != "" && cred.StudentName != "" {
		scores = append(scores, similarity(parsed.StudentName, cred.StudentName))
	}
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	return strutil.Similarity(a, b, metrics.NewJaroWinkler())
}
