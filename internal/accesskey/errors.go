package accesskey

import "errors"

var (
	ErrKeyNotFound        = errors.New("access key not found")
	ErrKeyRevoked         = errors.New("access key is revoked")
	ErrKeyExpired         = errors.New("access key is expired")
	ErrTokenNotAuthorized = errors.New("token not authorized by access key")
	ErrInsufficientLimit  = errors.New("insufficient remaining limit")
	ErrDuplicateActiveKey = errors.New("an active access key already exists for this owner and delegate")
	ErrNotOwner           = errors.New("caller does not own the access key")
	ErrAlreadyRevoked     = errors.New("access key already revoked")
	ErrNoLimits           = errors.New("access key needs at least one token limit")
)
