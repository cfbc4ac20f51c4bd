package storage

import "strings"

const (
	SchemaVersionKey = "schema_version"

	ApprovedUsersKey    = "approvedUsers"
	PendingUsersKey     = "pendingUsers"
	TxToIPFSMappingsKey = "txToIpfsMappings"

	RolePrefix               = "role_"
	CredentialsPrefix        = "credentials_"
	StudentCredentialsPrefix = "student_credentials_"
	VerificationPrefix       = "verification_history_"
	IPFSMappingsPrefix       = "ipfsMappings_"
	TxPrefix                 = "tx_"
)

// NormalizeAddress lower-cases and trims a wallet address for use in keys.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func RoleKey(addr string) string {
	return RolePrefix + NormalizeAddress(addr)
}

func CredentialsKey(addr string) string {
	return CredentialsPrefix + NormalizeAddress(addr)
}

func StudentCredentialsKey(addr string) string {
	return StudentCredentialsPrefix + NormalizeAddress(addr)
}

func VerificationHistoryKey(addr string) string {
	return VerificationPrefix + NormalizeAddress(addr)
}

func IPFSMappingsKey(addr string) string {
	return IPFSMappingsPrefix + NormalizeAddress(addr)
}

func TxKey(hash string) string {
	return TxPrefix + strings.ToLower(strings.TrimSpace(hash))
}
