package objects

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/maauso/streetstage-api/internal/apperr"
	"github.com/maauso/streetstage-api/internal/storage"
)

// AclStore persists AclPolicy values as object metadata.
type AclStore struct {
	backend storage.Backend
}

// NewAclStore creates an AclStore over backend.
func NewAclStore(backend storage.Backend) *AclStore {
	return &AclStore{backend: backend}
}

// SetPolicy writes policy in one metadata replacement. It runs in
// optimistic mode: callers invoke it right after an upload, when the
// backend may not yet list the object.
func (s *AclStore) SetPolicy(ctx context.Context, loc storage.Location, policy AclPolicy) error {
	if err := validatePolicy(policy); err != nil {
		return err
	}
	raw, err := json.Marshal(policy)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, apperr.CodeInternal, "encode acl policy", err)
	}
	md := map[string]string{aclMetadataKey: string(raw)}
	if err := s.backend.ReplaceMetadata(ctx, loc, md, storage.ModeOptimistic); err != nil {
		return apperr.Wrap(apperr.KindStorage, CodeStorageError, "set acl policy", err)
	}
	return nil
}

// GetPolicy reads the stored policy of loc, defaulting to private.
func (s *AclStore) GetPolicy(ctx context.Context, loc storage.Location) (AclPolicy, error) {
	info, err := s.backend.Stat(ctx, loc)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrInvalidLocation) {
			return AclPolicy{}, ErrNotFound
		}
		return AclPolicy{}, apperr.Wrap(apperr.KindStorage, CodeStorageError, "get acl policy", err)
	}
	return PolicyFromMetadata(info.Metadata), nil
}

// PolicyFromMetadata decodes the policy key of object metadata. A missing
// or malformed policy yields the private default.
func PolicyFromMetadata(md map[string]string) AclPolicy {
	raw, ok := md[aclMetadataKey]
	if !ok {
		return DefaultPolicy()
	}
	var p AclPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil || !p.Visibility.IsValid() {
		return DefaultPolicy()
	}
	return p
}

func validatePolicy(p AclPolicy) error {
	var fields []apperr.FieldError
	if p.Owner == "" {
		fields = append(fields, apperr.FieldError{Field: "ownerId", Code: CodeInvalidPolicy, Message: "owner is required"})
	}
	if !p.Visibility.IsValid() {
		fields = append(fields, apperr.FieldError{Field: "visibility", Code: CodeInvalidPolicy, Message: "visibility must be public or private"})
	}
	if len(fields) > 0 {
		return apperr.Validation(fields...)
	}
	return nil
}
