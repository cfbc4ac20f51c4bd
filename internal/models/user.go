package models

import "time"

type Role string

const (
	RoleInstitution Role = "institution"
	RoleStudent     Role = "student"
	RoleAdmin       Role = "admin"
	RoleVerifier    Role = "verifier"
)

// ParseRole accepts the role tags used by the portal, plus "university" as an
// alias for institution.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "institution", "university":
		return RoleInstitution, true
	case "student":
		return RoleStudent, true
	case "admin":
		return RoleAdmin, true
	case "verifier":
		return RoleVerifier, true
	}
	return "", false
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// UserRecord is an entry of the pendingUsers / approvedUsers collections.
type UserRecord struct {
	Address          string    `json:"address"`
	Role             Role      `json:"role"`
	Timestamp        time.Time `json:"timestamp"`
	PaymentConfirmed bool      `json:"paymentConfirmed"`
	TransactionHash  string    `json:"transactionHash,omitempty"`
	IPFSHash         string    `json:"ipfsHash,omitempty"`
	Status           Status    `json:"status"`
	Name             string    `json:"name,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	DecidedBy        string    `json:"decidedBy,omitempty"`
}

// RoleRecord is the value stored under role_<addr>.
type RoleRecord struct {
	Address   string    `json:"address"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

type VerificationStatus string

const (
	VerificationVerified VerificationStatus = "verified"
	VerificationNotFound VerificationStatus = "not_found"
	VerificationRevoked  VerificationStatus = "revoked"
	VerificationExpired  VerificationStatus = "expired"
)

// VerificationRecord is appended to the student-side and verifier-side
// histories on every verification.
type VerificationRecord struct {
	CredentialID    string             `json:"credentialId"`
	CredentialTitle string             `json:"credentialTitle,omitempty"`
	VerifierName    string             `json:"verifierName,omitempty"`
	VerifierAddress string             `json:"verifierAddress,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
	Status          VerificationStatus `json:"status"`
}

// IPFSMapping links a credential id to its pinned content.
type IPFSMapping struct {
	CredentialID string    `json:"credentialId"`
	CID          string    `json:"cid"`
	PinnedAt     time.Time `json:"pinnedAt"`
}

// TxMapping links a registration transaction to the pinned request record.
type TxMapping struct {
	TxHash    string    `json:"txHash"`
	CID       string    `json:"cid,omitempty"`
	Address   string    `json:"address"`
	Role      Role      `json:"role,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
