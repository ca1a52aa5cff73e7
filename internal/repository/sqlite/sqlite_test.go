package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/simerusm/quickdeploy/internal/repository"
	"github.com/simerusm/quickdeploy/internal/repository/repositorytest"
)

func TestStore(t *testing.T) {
	repositorytest.Run(t, func(t *testing.T) repository.Store {
		store, err := Open(filepath.Join(t.TempDir(), "quickdeploy.db"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
