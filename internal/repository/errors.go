package repository

import (
	"errors"

	"github.com/simerusm/quickdeploy/internal/domain"
)

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidTransition aliases the domain sentinel so callers can match either.
var ErrInvalidTransition = domain.ErrInvalidTransition
