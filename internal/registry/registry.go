// Package registry is the credential ledger: registered institutions anchor
// the credentials they issue and may later revoke them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"credportal/internal/models"
)

var (
	ErrNotOwner           = errors.New("only the registry owner can register institutions")
	ErrNotInstitution     = errors.New("sender is not a registered institution")
	ErrNotIssuer          = errors.New("only the issuing institution can revoke")
	ErrAlreadyRegistered  = errors.New("institution already registered")
	ErrAlreadyRevoked     = errors.New("credential already revoked")
	ErrCredentialNotFound = errors.New("credential not found in registry")
	ErrInvalidAddress     = errors.New("invalid address")
)

type Registry struct {
	db    *gorm.DB
	owner string
	now   func() time.Time
}

// New returns a registry owned by owner. An empty owner disables institution
// registration.
func New(db *gorm.DB, owner string) *Registry {
	return &Registry{db: db, owner: normalize(owner), now: time.Now}
}

func (r *Registry) Owner() string { return r.owner }

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func validAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// RegisterInstitution adds institution to the registry. An empty institution
// registers the sender itself.
func (r *Registry) RegisterInstitution(ctx context.Context, sender, institution, name, location string) (*models.Institution, error) {
	sender = normalize(sender)
	if r.owner == "" || sender != r.owner {
		return nil, ErrNotOwner
	}
	if institution == "" {
		institution = sender
	}
	if !validAddress(institution) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, institution)
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("institution name is required")
	}

	inst := models.Institution{Address: normalize(institution), Name: strings.TrimSpace(name), Location: strings.TrimSpace(location)}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Institution{}).Where("address = ?", inst.Address).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyRegistered
		}
		return tx.Create(&inst).Error
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// IsInstitution reports whether addr is a registered institution.
func (r *Registry) IsInstitution(ctx context.Context, addr string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Institution{}).Where("address = ?", normalize(addr)).Count(&count).Error
	return count > 0, err
}

func (r *Registry) Institution(ctx context.Context, addr string) (*models.Institution, error) {
	var inst models.Institution
	err := r.db.WithContext(ctx).Where("address = ?", normalize(addr)).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotInstitution
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// IssueCredential anchors a credential issued by sender. reference links the
// ledger entry to the portal credential id and may be empty.
func (r *Registry) IssueCredential(ctx context.Context, sender, student, studentName, courseName string, expiry *time.Time, reference string) (uint, error) {
	ok, err := r.IsInstitution(ctx, sender)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotInstitution
	}
	if !validAddress(student) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, student)
	}
	if strings.TrimSpace(courseName) == "" {
		return 0, errors.New("course name is required")
	}

	cred := models.RegistryCredential{
		Reference:   reference,
		Issuer:      normalize(sender),
		Student:     normalize(student),
		StudentName: studentName,
		CourseName:  courseName,
		IssueDate:   r.now().UTC(),
		ExpiryDate:  expiry,
	}
	if err := r.db.WithContext(ctx).Create(&cred).Error; err != nil {
		return 0, fmt.Errorf("anchor credential: %w", err)
	}
	return cred.ID, nil
}

// RevokeCredential marks id revoked. Only its issuer may do so.
func (r *Registry) RevokeCredential(ctx context.Context, sender string, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cred models.RegistryCredential
		if err := tx.First(&cred, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCredentialNotFound
			}
			return err
		}
		if cred.Issuer != normalize(sender) {
			return ErrNotIssuer
		}
		if cred.Revoked {
			return ErrAlreadyRevoked
		}
		now := r.now().UTC()
		return tx.Model(&cred).Updates(map[string]any{"revoked": true, "revocation_date": now}).Error
	})
}

// VerifyCredential reports whether id exists, is not revoked and has not
// expired.
func (r *Registry) VerifyCredential(ctx context.Context, id uint) (bool, error) {
	cred, err := r.Credential(ctx, id)
	if errors.Is(err, ErrCredentialNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return valid(cred, r.now()), nil
}

func valid(cred *models.RegistryCredential, now time.Time) bool {
	if cred.Revoked {
		return false
	}
	return cred.ExpiryDate == nil || now.Before(*cred.ExpiryDate)
}

func (r *Registry) Credential(ctx context.Context, id uint) (*models.RegistryCredential, error) {
	var cred models.RegistryCredential
	err := r.db.WithContext(ctx).First(&cred, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// ByReference returns the ledger entry anchored for a portal credential id.
func (r *Registry) ByReference(ctx context.Context, reference string) (*models.RegistryCredential, error) {
	if reference == "" {
		return nil, ErrCredentialNotFound
	}
	var cred models.RegistryCredential
	err := r.db.WithContext(ctx).Where("reference = ?", reference).Order("id").First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// GetStudentCredentials lists the ledger ids held by student, oldest first.
func (r *Registry) GetStudentCredentials(ctx context.Context, student string) ([]uint, error) {
	ids := []uint{}
	err := r.db.WithContext(ctx).Model(&models.RegistryCredential{}).
		Where("student = ?", normalize(student)).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}
