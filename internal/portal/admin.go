package portal

import (
	"context"
	"fmt"
	"strings"

	"credportal/internal/logging"
	"credportal/internal/models"
	"credportal/internal/storage"
)

func (s *Service) requireAdmin(ctx context.Context, caller string) (string, error) {
	caller, err := normalize(caller)
	if err != nil {
		return "", err
	}
	role, ok, err := s.ResolveRole(ctx, caller)
	if err != nil {
		return "", err
	}
	if !ok || role != models.RoleAdmin {
		return "", fmt.Errorf("%w: %s is not an admin", ErrForbidden, caller)
	}
	return caller, nil
}

// Approve moves addr's request from pendingUsers to approvedUsers and grants
// the requested role.
func (s *Service) Approve(ctx context.Context, admin, addr string) (*models.UserRecord, error) {
	admin, err := s.requireAdmin(ctx, admin)
	if err != nil {
		return nil, err
	}
	addr, err = normalize(addr)
	if err != nil {
		return nil, err
	}

	var rec models.UserRecord
	err = s.store.Update(func(tx *storage.Tx) error {
		pending, _, err := storage.TxGet[[]models.UserRecord](tx, storage.PendingUsersKey)
		if err != nil {
			return err
		}
		i := findUser(pending, addr)
		if i < 0 {
			return fmt.Errorf("%w: no pending request for %s", ErrNotFound, addr)
		}
		rec = pending[i]
		if rr, ok, err := storage.TxGet[models.RoleRecord](tx, storage.RoleKey(addr)); err != nil {
			return err
		} else if ok && rr.Role != "" && rr.Role != rec.Role {
			return fmt.Errorf("%w: %s holds %s", ErrRoleConflict, addr, rr.Role)
		}
		rec.Status = models.StatusApproved
		rec.Timestamp = s.timestamp()
		rec.DecidedBy = admin
		rec.Reason = ""
		return txApprove(tx, rec)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateRole(ctx, addr)
	s.mirrorDecision(ctx, storage.ApprovedUsersKey, &rec)
	logging.Log().Infof("%s approved %s as %s", admin, addr, rec.Role)
	return &rec, nil
}

// Reject revokes any approval addr holds and marks its request rejected.
func (s *Service) Reject(ctx context.Context, admin, addr, reason string) (*models.UserRecord, error) {
	admin, err := s.requireAdmin(ctx, admin)
	if err != nil {
		return nil, err
	}
	addr, err = normalize(addr)
	if err != nil {
		return nil, err
	}

	var rec models.UserRecord
	err = s.store.Update(func(tx *storage.Tx) error {
		pending, _, err := storage.TxGet[[]models.UserRecord](tx, storage.PendingUsersKey)
		if err != nil {
			return err
		}
		approved, _, err := storage.TxGet[[]models.UserRecord](tx, storage.ApprovedUsersKey)
		if err != nil {
			return err
		}
		approved, wasApproved := removeUser(approved, addr)
		switch i := findUser(pending, addr); {
		case i >= 0:
			rec = pending[i]
		case wasApproved != nil:
			rec = *wasApproved
		default:
			return fmt.Errorf("%w: no request for %s", ErrNotFound, addr)
		}
		rec.Status = models.StatusRejected
		rec.Timestamp = s.timestamp()
		rec.DecidedBy = admin
		rec.Reason = strings.TrimSpace(reason)

		if err := storage.TxPut(tx, storage.ApprovedUsersKey, approved); err != nil {
			return err
		}
		if err := storage.TxPut(tx, storage.PendingUsersKey, upsertUser(pending, rec)); err != nil {
			return err
		}
		if err := txClearTxRoles(tx, addr); err != nil {
			return err
		}
		if rec.TransactionHash != "" {
			if err := storage.TxPut(tx, storage.TxKey(rec.TransactionHash), rec); err != nil {
				return err
			}
		}
		return tx.Delete(storage.RoleKey(addr))
	})
	if err != nil {
		return nil, err
	}
	s.invalidateRole(ctx, addr)
	s.mirrorDecision(ctx, storage.PendingUsersKey, &rec)
	logging.Log().Infof("%s rejected %s (%s)", admin, addr, rec.Role)
	return &rec, nil
}

// txClearTxRoles drops the requested role from addr's transaction mappings.
func txClearTxRoles(tx *storage.Tx, addr string) error {
	mappings, ok, err := storage.TxGet[[]models.TxMapping](tx, storage.TxToIPFSMappingsKey)
	if err != nil || !ok {
		return err
	}
	for i := range mappings {
		if sameAddress(mappings[i].Address, addr) {
			mappings[i].Role = ""
		}
	}
	return storage.TxPut(tx, storage.TxToIPFSMappingsKey, mappings)
}

// mirrorDecision pins the decided record and stores the CID on its entry in
// key. Failures are logged only.
func (s *Service) mirrorDecision(ctx context.Context, key string, rec *models.UserRecord) {
	cid := s.pinBestEffort(ctx, "role-decision-"+rec.Address, rec, map[string]any{
		"address": rec.Address,
		"role":    string(rec.Role),
		"status":  string(rec.Status),
	})
	if cid == "" {
		return
	}
	rec.IPFSHash = cid
	err := storage.Modify(s.store, key, func(list []models.UserRecord, _ bool) ([]models.UserRecord, error) {
		if i := findUser(list, rec.Address); i >= 0 && list[i].Status == rec.Status {
			list[i].IPFSHash = cid
		}
		return list, nil
	})
	if err != nil {
		logging.Log().Warnf("store decision cid for %s: %v", rec.Address, err)
	}
}

// Pending lists the pendingUsers collection, rejected entries included.
func (s *Service) Pending() ([]models.UserRecord, error) {
	return s.userList(storage.PendingUsersKey)
}

// Approved lists the approvedUsers collection.
func (s *Service) Approved() ([]models.UserRecord, error) {
	return s.userList(storage.ApprovedUsersKey)
}

func (s *Service) userList(key string) ([]models.UserRecord, error) {
	list, _, err := storage.Get[[]models.UserRecord](s.store, key)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.UserRecord{}
	}
	return list, nil
}
