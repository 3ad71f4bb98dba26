package storage

import "errors"

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrArtifactTooLarge = errors.New("artifact exceeds size limit")
	ErrInvalidKey       = errors.New("invalid artifact key")
)
