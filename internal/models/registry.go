package models

import (
	"time"

	"gorm.io/gorm"
)

// Institution is a registry entry allowed to issue credentials.
type Institution struct {
	gorm.Model
	Address  string `gorm:"uniqueIndex;not null" json:"address"`
	Name     string `gorm:"not null" json:"name"`
	Location string `json:"location"`
}

// RegistryCredential is the anchored, revocable form of an issued credential.
type RegistryCredential struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Reference      string     `gorm:"index" json:"reference,omitempty"`
	Issuer         string     `gorm:"index;not null" json:"issuer"`
	Student        string     `gorm:"index;not null" json:"student"`
	StudentName    string     `json:"studentName"`
	CourseName     string     `gorm:"not null" json:"courseName"`
	IssueDate      time.Time  `json:"issueDate"`
	ExpiryDate     *time.Time `json:"expiryDate,omitempty"`
	Revoked        bool       `gorm:"not null;default:false" json:"revoked"`
	RevocationDate *time.Time `json:"revocationDate,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}
