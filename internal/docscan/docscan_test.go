package docscan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credportal/internal/models"
)

type stubOCR struct {
	text string
	err  error
}

func (s stubOCR) ExtractText(context.Context, []byte) (string, error) { return s.text, s.err }

type stubParser struct {
	out models.ParsedCredential
	err error
}

func (s stubParser) Parse(context.Context, string) (models.ParsedCredential, error) { return s.out, s.err }

type stubCreds struct {
	byID   map[string]models.Credential
	byAddr map[string][]models.Credential
}

func (s stubCreds) FindLocal(id string) (*models.Credential, error) {
	c, ok := s.byID[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &c, nil
}

func (s stubCreds) HeldBy(addr string) ([]models.Credential, error) {
	return s.byAddr[addr], nil
}

var record = models.Credential{
	ID:            "cred-1",
	Title:         "Bachelor of Technology",
	StudentName:   "Asha Verma",
	StudentWallet: "0xd000000000000000000000000000000000000004",
	IssuerName:    "Indian Institute of Technology Kanpur",
}

func creds() stubCreds {
	return stubCreds{
		byID:   map[string]models.Credential{record.ID: record},
		byAddr: map[string][]models.Credential{record.StudentWallet: {{ID: "other", Title: "Diploma"}, record}},
	}
}

func TestMatch(t *testing.T) {
	s := NewScanner(nil, nil, creds())

	res := s.Match(models.ParsedCredential{
		CredentialID:   "cred-1",
		StudentName:    "Asha Verma",
		CourseName:     "Bachelor of Technology",
		UniversityName: "Indian Institute of Technology, Kanpur",
	})
	assert.Equal(t, StatusVerified, res.Status)
	assert.GreaterOrEqual(t, res.Confidence, MatchThreshold)
	require.NotNil(t, res.Credential)
	assert.Equal(t, "cred-1", res.Credential.ID)

	res = s.Match(models.ParsedCredential{
		CredentialID:   "cred-1",
		UniversityName: "Springfield Online Diploma Mill",
	})
	assert.Equal(t, StatusTampered, res.Status)
	assert.Less(t, res.Confidence, MatchThreshold)

	res = s.Match(models.ParsedCredential{CredentialID: "nope"})
	assert.Equal(t, StatusNotFound, res.Status)
	assert.Nil(t, res.Credential)
}

func TestMatch_ByWalletPicksClosestTitle(t *testing.T) {
	s := NewScanner(nil, nil, creds())
	res := s.Match(models.ParsedCredential{
		StudentWallet:  record.StudentWallet,
		CourseName:     "Bachelor of Technology",
		UniversityName: record.IssuerName,
	})
	require.NotNil(t, res.Credential)
	assert.Equal(t, "cred-1", res.Credential.ID)
	assert.Equal(t, StatusVerified, res.Status)
}

func TestMatch_RecordWithoutIssuerName(t *testing.T) {
	bare := record
	bare.IssuerName = ""
	s := NewScanner(nil, nil, stubCreds{byID: map[string]models.Credential{bare.ID: bare}})

	res := s.Match(models.ParsedCredential{
		CredentialID:   bare.ID,
		StudentName:    bare.StudentName,
		CourseName:     bare.Title,
		UniversityName: "Indian Institute of Technology Kanpur",
	})
	assert.Equal(t, StatusVerified, res.Status)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)

	res = s.Match(models.ParsedCredential{CredentialID: bare.ID})
	assert.Equal(t, StatusTampered, res.Status)
	assert.Zero(t, res.Confidence)
}

func TestScan(t *testing.T) {
	parsed := models.ParsedCredential{CredentialID: "cred-1", CourseName: record.Title, UniversityName: record.IssuerName}
	s := NewScanner(stubOCR{text: "CERTIFICATE ..."}, stubParser{out: parsed}, creds())

	res, err := s.Scan(context.Background(), []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, res.Status)

	_, err = s.Scan(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyImage)

	blank := NewScanner(stubOCR{text: "  "}, stubParser{out: parsed}, creds())
	_, err = blank.Scan(context.Background(), []byte{1})
	assert.ErrorIs(t, err, ErrNoText)

	var unconfigured *Scanner
	_, err = unconfigured.Scan(context.Background(), []byte{1})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDecodeFields(t *testing.T) {
	out, err := decodeFields("```json\n{\"credential_id\": \"cred-1\", \"student_name\": \" Asha \", \"year_of_passing\": 2024, \"course_name\": null}\n```")
	require.NoError(t, err)
	assert.Equal(t, "cred-1", out.CredentialID)
	assert.Equal(t, "Asha", out.StudentName)
	assert.Equal(t, "2024", out.YearOfPassing)
	assert.Empty(t, out.CourseName)

	out, err = decodeFields(`Here you go: {"student_wallet": "0xabc"} hope it helps`)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", out.StudentWallet)

	_, err = decodeFields(`{"student_name": "Asha"}`)
	assert.ErrorIs(t, err, ErrNoIdentifier)

	_, err = decodeFields("")
	assert.Error(t, err)
}
