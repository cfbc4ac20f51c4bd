package portal

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"credportal/internal/logging"
	"credportal/internal/models"
	"credportal/internal/registry"
	"credportal/internal/storage"
)

// DurabilityWarning is reported when a credential could only be stored
// locally.
const DurabilityWarning = "credential was not pinned; it is stored on this server only"

type IssueResult struct {
	Credential models.Credential `json:"credential"`
	CID        string            `json:"cid,omitempty"`
	Pinned     bool              `json:"pinned"`
	Warning    string            `json:"warning,omitempty"`
	RegistryID uint              `json:"registryId,omitempty"`
}

// Issue records a credential issued by issuer. The credential is pinned when
// possible and always written to the issuer's and the student's lists.
func (s *Service) Issue(ctx context.Context, issuer string, cred models.Credential) (*IssueResult, error) {
	issuer, err := normalize(issuer)
	if err != nil {
		return nil, err
	}
	role, ok, err := s.ResolveRole(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if !ok || role != models.RoleInstitution {
		return nil, fmt.Errorf("%w: only institutions can issue credentials", ErrForbidden)
	}

	cred.Title = strings.TrimSpace(cred.Title)
	if cred.Title == "" {
		return nil, invalidPayload("title is required")
	}
	student, err := normalize(cred.StudentWallet)
	if err != nil {
		return nil, err
	}
	cred.StudentWallet = student
	cred.IssuerWallet = issuer
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if cred.IssueDate.IsZero() {
		cred.IssueDate = s.timestamp()
	}
	if cred.ExpiryDate != nil && cred.ExpiryDate.IsZero() {
		cred.ExpiryDate = nil
	}
	if cred.ExpiryDate != nil && cred.ExpiryDate.Before(cred.IssueDate) {
		return nil, invalidPayload("expiryDate is before issueDate")
	}

	if cred.IssuerName == "" {
		if cred.IssuerName, err = s.approvedName(issuer); err != nil {
			return nil, err
		}
	}

	res := &IssueResult{}
	if s.registry != nil {
		if inst, err := s.registry.Institution(ctx, issuer); err == nil {
			if cred.IssuerName == "" {
				cred.IssuerName = inst.Name
			}
			res.RegistryID, err = s.anchor(ctx, cred)
			if err != nil {
				return nil, err
			}
		} else if !errors.Is(err, registry.ErrNotInstitution) {
			return nil, err
		}
	}
	if res.RegistryID != 0 {
		if cred.Metadata == nil {
			cred.Metadata = map[string]any{}
		}
		cred.Metadata["registryId"] = res.RegistryID
	}

	cid, err := s.pin(ctx, "credential-"+cred.ID, cred, map[string]any{
		"credentialId": cred.ID,
		"issuer":       issuer,
		"student":      student,
	})
	if err != nil {
		logging.Log().Warnf("credential %s kept local only: %v", cred.ID, err)
		res.Warning = DurabilityWarning
	} else {
		res.CID = cid
		res.Pinned = true
	}

	err = s.store.Update(func(tx *storage.Tx) error {
		for _, key := range []string{storage.CredentialsKey(issuer), storage.StudentCredentialsKey(student)} {
			list, _, err := storage.TxGet[[]models.Credential](tx, key)
			if err != nil {
				return err
			}
			if err := storage.TxPut(tx, key, upsertCredential(list, cred)); err != nil {
				return err
			}
		}
		if !res.Pinned {
			return nil
		}
		m := models.IPFSMapping{CredentialID: cred.ID, CID: cid, PinnedAt: s.timestamp()}
		for _, key := range []string{storage.IPFSMappingsKey(issuer), storage.IPFSMappingsKey(student)} {
			list, _, err := storage.TxGet[[]models.IPFSMapping](tx, key)
			if err != nil {
				return err
			}
			if err := storage.TxPut(tx, key, upsertMapping(list, m)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store credential %s: %w", cred.ID, err)
	}
	res.Credential = cred
	logging.Log().Infof("issued credential %s to %s (pinned=%t)", cred.ID, student, res.Pinned)
	return res, nil
}

// anchor records cred in the registry, reusing an existing entry for the
// same credential id.
func (s *Service) anchor(ctx context.Context, cred models.Credential) (uint, error) {
	existing, err := s.registry.ByReference(ctx, cred.ID)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, registry.ErrCredentialNotFound) {
		return 0, err
	}
	id, err := s.registry.IssueCredential(ctx, cred.IssuerWallet, cred.StudentWallet, cred.StudentName, cred.Title, cred.ExpiryDate, cred.ID)
	if err != nil {
		return 0, fmt.Errorf("anchor credential %s: %w", cred.ID, err)
	}
	return id, nil
}

// IssuedBy lists the credentials issued by addr.
func (s *Service) IssuedBy(addr string) ([]models.Credential, error) {
	return s.credentialList(addr, storage.CredentialsKey)
}

// approvedName is the display name the issuer registered with, if any.
func (s *Service) approvedName(addr string) (string, error) {
	approved, _, err := storage.Get[[]models.UserRecord](s.store, storage.ApprovedUsersKey)
	if err != nil {
		return "", err
	}
	if i := findUser(approved, addr); i >= 0 {
		return strings.TrimSpace(approved[i].Name), nil
	}
	return "", nil
}

// HeldBy lists the credentials held by addr.
func (s *Service) HeldBy(addr string) ([]models.Credential, error) {
	return s.credentialList(addr, storage.StudentCredentialsKey)
}

func (s *Service) credentialList(addr string, key func(string) string) ([]models.Credential, error) {
	addr, err := normalize(addr)
	if err != nil {
		return nil, err
	}
	list, _, err := storage.Get[[]models.Credential](s.store, key(addr))
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.Credential{}
	}
	return list, nil
}

// FindLocal looks a credential up by id in every issuer and student list.
func (s *Service) FindLocal(id string) (*models.Credential, error) {
	var found *models.Credential
	scan := func(prefix string) error {
		err := s.store.ScanPrefix(prefix, func(key string, val []byte) error {
			var list []models.Credential
			if err := json.Unmarshal(val, &list); err != nil {
				logging.Log().Debugf("skipping %s: %v", key, err)
				return nil
			}
			for i := range list {
				if list[i].ID == id {
					found = &list[i]
					return storage.ErrStopScan
				}
			}
			return nil
		})
		return storage.Stopped(err)
	}
	if err := scan(storage.CredentialsPrefix); err != nil {
		return nil, err
	}
	if found == nil {
		if err := scan(storage.StudentCredentialsPrefix); err != nil {
			return nil, err
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func upsertCredential(list []models.Credential, c models.Credential) []models.Credential {
	for i := range list {
		if list[i].ID == c.ID {
			list[i] = c
			return list
		}
	}
	return append(list, c)
}

func upsertMapping(list []models.IPFSMapping, m models.IPFSMapping) []models.IPFSMapping {
	for i := range list {
		if list[i].CredentialID == m.CredentialID {
			list[i] = m
			return list
		}
	}
	return append(list, m)
}

var bulkColumns = []string{"student_name", "student_wallet", "title", "description", "issue_date", "expiry_date"}

type RowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

type BulkResult struct {
	Issued  []IssueResult `json:"issued"`
	Skipped int           `json:"skipped"`
	Errors  []RowError    `json:"errors"`
}

// BulkIssue issues one credential per CSV row. Rows whose student and title
// match an existing credential of the issuer are skipped.
func (s *Service) BulkIssue(ctx context.Context, issuer string, r io.Reader) (*BulkResult, error) {
	issuer, err := normalize(issuer)
	if err != nil {
		return nil, err
	}
	role, ok, err := s.ResolveRole(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if !ok || role != models.RoleInstitution {
		return nil, fmt.Errorf("%w: only institutions can issue credentials", ErrForbidden)
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, invalidPayload("read CSV header: %v", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, name := range []string{"student_wallet", "title"} {
		if _, ok := col[name]; !ok {
			return nil, invalidPayload("CSV header must include %s (expected %s)", name, strings.Join(bulkColumns, ","))
		}
	}

	existing, err := s.IssuedBy(issuer)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[dedupeKey(c.StudentWallet, c.Title)] = true
	}

	res := &BulkResult{Issued: []IssueResult{}, Errors: []RowError{}}
	for row := 2; ; row++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Errors = append(res.Errors, RowError{Row: row, Error: err.Error()})
			continue
		}
		field := func(name string) string {
			if i, ok := col[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		if strings.Join(rec, "") == "" {
			continue
		}

		cred := models.Credential{
			StudentName:   field("student_name"),
			StudentWallet: field("student_wallet"),
			Title:         field("title"),
			Description:   field("description"),
		}
		if cred.IssueDate, err = parseDate(field("issue_date")); err != nil {
			res.Errors = append(res.Errors, RowError{Row: row, Error: "issue_date: " + err.Error()})
			continue
		}
		expiry, err := parseDate(field("expiry_date"))
		if err != nil {
			res.Errors = append(res.Errors, RowError{Row: row, Error: "expiry_date: " + err.Error()})
			continue
		}
		if !expiry.IsZero() {
			cred.ExpiryDate = &expiry
		}

		key := dedupeKey(cred.StudentWallet, cred.Title)
		if seen[key] {
			res.Skipped++
			continue
		}
		issued, err := s.Issue(ctx, issuer, cred)
		if err != nil {
			res.Errors = append(res.Errors, RowError{Row: row, Error: err.Error()})
			continue
		}
		seen[key] = true
		res.Issued = append(res.Issued, *issued)
	}
	logging.Log().Infof("bulk import by %s: %d issued, %d skipped, %d failed", issuer, len(res.Issued), res.Skipped, len(res.Errors))
	return res, nil
}

func dedupeKey(student, title string) string {
	return strings.ToLower(strings.TrimSpace(student)) + "|" + strings.ToLower(strings.TrimSpace(title))
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "02/01/2006"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", v)
}
