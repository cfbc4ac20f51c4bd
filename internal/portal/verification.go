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
	"credportal/internal/registry"
	"credportal/internal/storage"
)

const (
	SourceRemote = "remote"
	SourceLocal  = "local"
)

type VerifyResult struct {
	Found      bool                      `json:"found"`
	Status     models.VerificationStatus `json:"status"`
	Credential *models.Credential        `json:"credential,omitempty"`
	Source     string                    `json:"source,omitempty"`
	CID        string                    `json:"cid,omitempty"`
	Revoked    bool                      `json:"revoked"`
	Expired    bool                      `json:"expired"`
	RegistryID uint                      `json:"registryId,omitempty"`
}

// Verifier identifies who asked for a verification. Both fields are optional.
type Verifier struct {
	Address string
	Name    string
}

// Verify looks credential id up, preferring the pinned copy over the local
// lists, and records the attempt in the student's and the verifier's
// histories.
func (s *Service) Verify(ctx context.Context, id string, verifier Verifier) (*VerifyResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalidPayload("credential id is required")
	}
	if verifier.Address != "" {
		addr, err := normalize(verifier.Address)
		if err != nil {
			return nil, err
		}
		verifier.Address = addr
	}

	res := &VerifyResult{Status: models.VerificationNotFound}
	cred, cid, err := s.findRemote(ctx, id)
	if err != nil {
		logging.Log().Warnf("remote lookup of credential %s failed, using local copy: %v", id, err)
	}
	if cred != nil {
		res.Source, res.CID = SourceRemote, cid
	} else {
		cred, err = s.FindLocal(id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if cred != nil {
			res.Source = SourceLocal
		}
	}

	if cred != nil {
		res.Found = true
		res.Credential = cred
		res.Expired = cred.Expired(s.now())
		if err := s.applyRegistry(ctx, res); err != nil {
			return nil, err
		}
		switch {
		case res.Revoked:
			res.Status = models.VerificationRevoked
		case res.Expired:
			res.Status = models.VerificationExpired
		default:
			res.Status = models.VerificationVerified
		}
	}

	rec := models.VerificationRecord{
		CredentialID:    id,
		VerifierName:    verifier.Name,
		VerifierAddress: verifier.Address,
		Timestamp:       s.timestamp(),
		Status:          res.Status,
	}
	var keys []string
	if cred != nil {
		rec.CredentialTitle = cred.Title
		if cred.StudentWallet != "" {
			keys = append(keys, storage.VerificationHistoryKey(cred.StudentWallet))
		}
	}
	if verifier.Address != "" && (cred == nil || !sameAddress(verifier.Address, cred.StudentWallet)) {
		keys = append(keys, storage.VerificationHistoryKey(verifier.Address))
	}
	if len(keys) > 0 {
		err := s.store.Update(func(tx *storage.Tx) error {
			for _, key := range keys {
				if err := storage.TxAppend(tx, key, rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("record verification of %s: %w", id, err)
		}
	}
	return res, nil
}

// findRemote resolves id to a pinned CID through the ipfsMappings lists and
// fetches it from the gateway.
func (s *Service) findRemote(ctx context.Context, id string) (*models.Credential, string, error) {
	if s.gateway == nil {
		return nil, "", nil
	}
	cid, err := s.LookupCID(id)
	if err != nil || cid == "" {
		return nil, "", err
	}
	var cred models.Credential
	if err := s.gateway.Fetch(ctx, cid, &cred); err != nil {
		return nil, cid, err
	}
	if cred.ID != id {
		return nil, cid, fmt.Errorf("pinned document %s holds credential %q", cid, cred.ID)
	}
	return &cred, cid, nil
}

// LookupCID returns the pinned CID recorded for credential id, if any.
func (s *Service) LookupCID(id string) (string, error) {
	var cid string
	err := s.store.ScanPrefix(storage.IPFSMappingsPrefix, func(key string, val []byte) error {
		var list []models.IPFSMapping
		if err := json.Unmarshal(val, &list); err != nil {
			logging.Log().Debugf("skipping %s: %v", key, err)
			return nil
		}
		for _, m := range list {
			if m.CredentialID == id && m.CID != "" {
				cid = m.CID
				return storage.ErrStopScan
			}
		}
		return nil
	})
	return cid, storage.Stopped(err)
}

func (s *Service) applyRegistry(ctx context.Context, res *VerifyResult) error {
	if s.registry == nil {
		return nil
	}
	entry, err := s.registry.ByReference(ctx, res.Credential.ID)
	if errors.Is(err, registry.ErrCredentialNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry lookup: %w", err)
	}
	res.RegistryID = entry.ID
	res.Revoked = entry.Revoked
	if entry.ExpiryDate != nil && s.now().After(*entry.ExpiryDate) {
		res.Expired = true
	}
	return nil
}

// History lists the verification records kept for addr.
func (s *Service) History(addr string) ([]models.VerificationRecord, error) {
	addr, err := normalize(addr)
	if err != nil {
		return nil, err
	}
	list, _, err := storage.Get[[]models.VerificationRecord](s.store, storage.VerificationHistoryKey(addr))
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.VerificationRecord{}
	}
	return list, nil
}

type TxVerification struct {
	Hash   string            `json:"hash"`
	Found  bool              `json:"found"`
	Tx     *chain.TxInfo     `json:"transaction,omitempty"`
	Record *models.TxMapping `json:"record,omitempty"`
}

// VerifyTransaction reports what the chain and the portal know about hash.
func (s *Service) VerifyTransaction(ctx context.Context, hash string) (*TxVerification, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if hash == "" {
		return nil, invalidPayload("transaction hash is required")
	}
	res := &TxVerification{Hash: hash}

	mappings, _, err := storage.Get[[]models.TxMapping](s.store, storage.TxToIPFSMappingsKey)
	if err != nil {
		return nil, err
	}
	for i := range mappings {
		if strings.EqualFold(mappings[i].TxHash, hash) {
			res.Record = &mappings[i]
			res.Found = true
			break
		}
	}

	if s.chain == nil {
		return res, nil
	}
	info, err := s.chain.LookupTransaction(ctx, hash)
	switch {
	case err == nil:
		res.Tx = info
		res.Found = true
	case errors.Is(err, chain.ErrInvalidTxHash):
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	case errors.Is(err, chain.ErrTxNotFound):
	default:
		return nil, err
	}
	return res, nil
}
