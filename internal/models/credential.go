package models

import (
	"strings"
	"time"
)

// Credential is an issued academic claim as persisted in the portal store
// and pinned to IPFS.
type Credential struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	StudentName   string         `json:"studentName,omitempty"`
	StudentWallet string         `json:"studentWallet"`
	IssuerName    string         `json:"issuerName,omitempty"`
	IssuerWallet  string         `json:"issuerWallet"`
	IssueDate     time.Time      `json:"issueDate"`
	ExpiryDate    *time.Time     `json:"expiryDate,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the credential has an expiry date before now.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiryDate != nil && !c.ExpiryDate.IsZero() && now.After(*c.ExpiryDate)
}

// ParsedCredential holds the normalized fields parsed from OCR text
// for subsequent verification against the stored credentials.
type ParsedCredential struct {
	CredentialID   string `json:"credential_id"`
	StudentName    string `json:"student_name"`
	StudentWallet  string `json:"student_wallet"`
	CourseName     string `json:"course_name"`
	YearOfPassing  string `json:"year_of_passing"`
	UniversityName string `json:"university_name"`
}

// EqualAddress compares two wallet addresses case-insensitively.
func EqualAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
