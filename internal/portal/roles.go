package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"credportal/internal/eth/chain"
	"credportal/internal/logging"
	"credportal/internal/models"
	"credportal/internal/storage"
)

// ResolveRole returns the role held by addr. Lookup order: configured admin
// addresses, the cache, the role_<addr> record, the approvedUsers list and,
// when fallback heuristics are enabled, transaction records and finally any
// record in the store that mentions the address.
func (s *Service) ResolveRole(ctx context.Context, addr string) (models.Role, bool, error) {
	addr, err := normalize(addr)
	if err != nil {
		return "", false, err
	}
	if s.admins[addr] {
		return models.RoleAdmin, true, nil
	}

	if cached, ok, err := s.cache.GetRole(ctx, addr); err != nil {
		logging.Log().Warnf("role cache read for %s: %v", addr, err)
	} else if ok {
		if role, valid := models.ParseRole(cached); valid {
			return role, true, nil
		}
	}

	role, found, err := s.lookupRole(addr)
	if err != nil || !found {
		return role, found, err
	}
	if err := s.cache.SetRole(ctx, addr, string(role)); err != nil {
		logging.Log().Warnf("role cache write for %s: %v", addr, err)
	}
	return role, true, nil
}

func (s *Service) lookupRole(addr string) (models.Role, bool, error) {
	rec, ok, err := storage.Get[models.RoleRecord](s.store, storage.RoleKey(addr))
	if err != nil {
		return "", false, err
	}
	if ok && rec.Role != "" {
		return rec.Role, true, nil
	}

	approved, _, err := storage.Get[[]models.UserRecord](s.store, storage.ApprovedUsersKey)
	if err != nil {
		return "", false, err
	}
	if i := findUser(approved, addr); i >= 0 {
		return approved[i].Role, true, nil
	}

	if !s.heuristics {
		return "", false, nil
	}
	// An open or rejected request outranks whatever its payment records say.
	pending, _, err := storage.Get[[]models.UserRecord](s.store, storage.PendingUsersKey)
	if err != nil {
		return "", false, err
	}
	if findUser(pending, addr) >= 0 {
		return "", false, nil
	}
	if role, ok, err := s.roleFromTransactions(addr); err != nil || ok {
		return role, ok, err
	}
	return s.roleFromAnyRecord(addr)
}

// roleFromTransactions matches transaction-keyed records mentioning addr.
// A match without a role tag counts as a student.
func (s *Service) roleFromTransactions(addr string) (models.Role, bool, error) {
	mappings, _, err := storage.Get[[]models.TxMapping](s.store, storage.TxToIPFSMappingsKey)
	if err != nil {
		return "", false, err
	}
	for _, m := range mappings {
		if sameAddress(m.Address, addr) {
			if m.Role != "" {
				return m.Role, true, nil
			}
			return models.RoleStudent, true, nil
		}
	}

	var role models.Role
	err = s.store.ScanPrefix(storage.TxPrefix, func(_ string, val []byte) error {
		if !strings.Contains(strings.ToLower(string(val)), addr) {
			return nil
		}
		role = models.RoleStudent
		if r, ok := roleTag(val); ok {
			role = r
		}
		return storage.ErrStopScan
	})
	if err := storage.Stopped(err); err != nil {
		return "", false, err
	}
	return role, role != "", nil
}

// roleFromAnyRecord searches the whole keyspace for a JSON record mentioning
// addr that carries a role tag. Pending requests are not roles.
func (s *Service) roleFromAnyRecord(addr string) (models.Role, bool, error) {
	var role models.Role
	err := s.store.ScanContains(addr, func(key string, val []byte) error {
		if key == storage.PendingUsersKey {
			return nil
		}
		if r, ok := roleTag(val); ok {
			role = r
			return storage.ErrStopScan
		}
		var list []map[string]any
		if json.Unmarshal(val, &list) != nil {
			return nil
		}
		for _, item := range list {
			a, _ := item["address"].(string)
			if !sameAddress(a, addr) {
				continue
			}
			if tag, _ := item["role"].(string); tag != "" {
				if r, ok := models.ParseRole(tag); ok {
					role = r
					return storage.ErrStopScan
				}
			}
		}
		return nil
	})
	if err := storage.Stopped(err); err != nil {
		return "", false, err
	}
	return role, role != "", nil
}

func roleTag(val []byte) (models.Role, bool) {
	var obj struct {
		Role string `json:"role"`
	}
	if json.Unmarshal(val, &obj) != nil || obj.Role == "" {
		return "", false
	}
	return models.ParseRole(obj.Role)
}

// Account is what a signed-in wallet sees about itself.
type Account struct {
	Address string             `json:"address"`
	Role    models.Role        `json:"role,omitempty"`
	HasRole bool               `json:"hasRole"`
	Request *models.UserRecord `json:"request,omitempty"`
}

// Account resolves addr's role and any outstanding role request.
func (s *Service) Account(ctx context.Context, addr string) (*Account, error) {
	addr, err := normalize(addr)
	if err != nil {
		return nil, err
	}
	role, ok, err := s.ResolveRole(ctx, addr)
	if err != nil {
		return nil, err
	}
	acct := &Account{Address: addr, Role: role, HasRole: ok}
	pending, _, err := storage.Get[[]models.UserRecord](s.store, storage.PendingUsersKey)
	if err != nil {
		return nil, err
	}
	if i := findUser(pending, addr); i >= 0 {
		acct.Request = &pending[i]
	}
	return acct, nil
}

// RoleRequest is a wallet's request to take on a role.
type RoleRequest struct {
	Address string
	Role    string
	TxHash  string
	Name    string
}

// SelectRole records a role request. Students and verifiers whose fee payment
// is confirmed (or when no fee is charged) are approved at once; institutions
// always wait for an admin.
func (s *Service) SelectRole(ctx context.Context, req RoleRequest) (*models.UserRecord, error) {
	addr, err := normalize(req.Address)
	if err != nil {
		return nil, err
	}
	role, ok := models.ParseRole(strings.ToLower(strings.TrimSpace(req.Role)))
	if !ok {
		return nil, invalidPayload("unknown role %q", req.Role)
	}
	if role == models.RoleAdmin {
		return nil, fmt.Errorf("%w: the admin role cannot be selected", ErrForbidden)
	}
	if s.admins[addr] {
		return nil, fmt.Errorf("%w: admin", ErrRoleConflict)
	}
	txHash := strings.ToLower(strings.TrimSpace(req.TxHash))

	if existing, err := s.checkRoleConflict(addr, role); err != nil || existing != nil {
		return existing, err
	}

	confirmed, err := s.confirmPayment(ctx, addr, txHash)
	if err != nil {
		return nil, err
	}
	autoApprove := role != models.RoleInstitution && (confirmed || s.fee.Sign() == 0)

	now := s.timestamp()
	rec := models.UserRecord{
		Address:          addr,
		Role:             role,
		Timestamp:        now,
		PaymentConfirmed: confirmed,
		TransactionHash:  txHash,
		Status:           models.StatusPending,
		Name:             strings.TrimSpace(req.Name),
	}
	if autoApprove {
		rec.Status = models.StatusApproved
	}
	rec.IPFSHash = s.pinBestEffort(ctx, "role-request-"+addr, rec, map[string]any{
		"address": addr,
		"role":    string(role),
		"status":  string(rec.Status),
	})

	err = s.store.Update(func(tx *storage.Tx) error {
		// Re-check inside the write transaction.
		if err := txCheckConflict(tx, addr, role); err != nil {
			return err
		}
		if autoApprove {
			if err := txApprove(tx, rec); err != nil {
				return err
			}
		} else {
			if err := txModifyUsers(tx, storage.PendingUsersKey, func(list []models.UserRecord) []models.UserRecord {
				return upsertUser(list, rec)
			}); err != nil {
				return err
			}
		}
		if txHash == "" {
			return nil
		}
		if err := storage.TxPut(tx, storage.TxKey(txHash), rec); err != nil {
			return err
		}
		mappings, _, err := storage.TxGet[[]models.TxMapping](tx, storage.TxToIPFSMappingsKey)
		if err != nil {
			return err
		}
		mappings = upsertTxMapping(mappings, models.TxMapping{
			TxHash:    txHash,
			CID:       rec.IPFSHash,
			Address:   addr,
			Role:      role,
			Timestamp: now,
		})
		return storage.TxPut(tx, storage.TxToIPFSMappingsKey, mappings)
	})
	if err != nil {
		var same *sameRoleError
		if errors.As(err, &same) {
			return &same.rec, nil
		}
		return nil, err
	}
	s.invalidateRole(ctx, addr)
	logging.Log().Infof("role request %s for %s: %s", role, addr, rec.Status)
	return &rec, nil
}

// confirmPayment reports whether txHash is a confirmed fee payment by addr.
// Without a chain client a payment cannot be confirmed.
func (s *Service) confirmPayment(ctx context.Context, addr, txHash string) (bool, error) {
	if txHash == "" {
		return false, nil
	}
	if s.chain == nil {
		logging.Log().Debugf("no chain client configured, payment %s left unconfirmed", txHash)
		return false, nil
	}
	_, err := s.chain.ConfirmPayment(ctx, addr, txHash)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, chain.ErrPaymentUnconfirmed):
		return false, err
	case errors.Is(err, chain.ErrTxNotFound), errors.Is(err, chain.ErrInvalidTxHash):
		return false, fmt.Errorf("%w: %v", ErrPaymentUnconfirmed, err)
	default:
		return false, err
	}
}

// sameRoleError carries an existing approval for an idempotent re-selection
// out of a store transaction.
type sameRoleError struct {
	rec models.UserRecord
}

func (e *sameRoleError) Error() string { return "role already approved" }

func (s *Service) checkRoleConflict(addr string, role models.Role) (*models.UserRecord, error) {
	err := s.store.View(func(tx *storage.Tx) error {
		return txCheckConflict(tx, addr, role)
	})
	var same *sameRoleError
	if errors.As(err, &same) {
		return &same.rec, nil
	}
	return nil, err
}

// txCheckConflict fails with ErrRoleConflict when addr holds, or has asked
// for, a role other than role. A matching approval yields *sameRoleError.
func txCheckConflict(tx *storage.Tx, addr string, role models.Role) error {
	approved, _, err := storage.TxGet[[]models.UserRecord](tx, storage.ApprovedUsersKey)
	if err != nil {
		return err
	}
	if i := findUser(approved, addr); i >= 0 {
		if approved[i].Role != role {
			return fmt.Errorf("%w: %s is approved as %s", ErrRoleConflict, addr, approved[i].Role)
		}
		return &sameRoleError{rec: approved[i]}
	}
	rr, ok, err := storage.TxGet[models.RoleRecord](tx, storage.RoleKey(addr))
	if err != nil {
		return err
	}
	if ok && rr.Role != "" && rr.Role != role {
		return fmt.Errorf("%w: %s holds %s", ErrRoleConflict, addr, rr.Role)
	}
	pending, _, err := storage.TxGet[[]models.UserRecord](tx, storage.PendingUsersKey)
	if err != nil {
		return err
	}
	if i := findUser(pending, addr); i >= 0 && pending[i].Status == models.StatusPending && pending[i].Role != role {
		return fmt.Errorf("%w: %s has a pending %s request", ErrRoleConflict, addr, pending[i].Role)
	}
	return nil
}

// txApprove moves rec into approvedUsers and writes its role record.
func txApprove(tx *storage.Tx, rec models.UserRecord) error {
	rec.Status = models.StatusApproved
	if err := txModifyUsers(tx, storage.PendingUsersKey, func(list []models.UserRecord) []models.UserRecord {
		out, _ := removeUser(list, rec.Address)
		return out
	}); err != nil {
		return err
	}
	if err := txModifyUsers(tx, storage.ApprovedUsersKey, func(list []models.UserRecord) []models.UserRecord {
		return upsertUser(list, rec)
	}); err != nil {
		return err
	}
	return storage.TxPut(tx, storage.RoleKey(rec.Address), models.RoleRecord{
		Address:   rec.Address,
		Role:      rec.Role,
		Timestamp: rec.Timestamp,
	})
}

func txModifyUsers(tx *storage.Tx, key string, fn func([]models.UserRecord) []models.UserRecord) error {
	list, _, err := storage.TxGet[[]models.UserRecord](tx, key)
	if err != nil {
		return err
	}
	out := fn(list)
	if out == nil {
		out = []models.UserRecord{}
	}
	return storage.TxPut(tx, key, out)
}

func findUser(list []models.UserRecord, addr string) int {
	for i, u := range list {
		if sameAddress(u.Address, addr) {
			return i
		}
	}
	return -1
}

// upsertUser replaces every entry for rec's address with rec.
func upsertUser(list []models.UserRecord, rec models.UserRecord) []models.UserRecord {
	out, _ := removeUser(list, rec.Address)
	return append(out, rec)
}

func removeUser(list []models.UserRecord, addr string) ([]models.UserRecord, *models.UserRecord) {
	var removed *models.UserRecord
	out := make([]models.UserRecord, 0, len(list))
	for _, u := range list {
		if sameAddress(u.Address, addr) {
			u := u
			removed = &u
			continue
		}
		out = append(out, u)
	}
	return out, removed
}

func upsertTxMapping(list []models.TxMapping, m models.TxMapping) []models.TxMapping {
	for i := range list {
		if strings.EqualFold(list[i].TxHash, m.TxHash) {
			list[i] = m
			return list
		}
	}
	return append(list, m)
}
