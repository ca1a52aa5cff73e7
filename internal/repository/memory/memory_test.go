package memory

import (
	"testing"

	"github.com/simerusm/quickdeploy/internal/repository"
	"github.com/simerusm/quickdeploy/internal/repository/repositorytest"
)

func TestStore(t *testing.T) {
	repositorytest.Run(t, func(t *testing.T) repository.Store { return New() })
}
