package core

import (
	"go/types"
	"path/filepath"
	"runtime"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestBatchStoreImplementationsHardening ensures only sanctioned persistence packages
// provide concrete implementations of the domain.BatchStore interface. Adding a
// backend outside these locations requires an explicit test update.
func TestBatchStoreImplementationsHardening(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedTypes, Tests: true}
	pkgs, err := packages.Load(cfg, "agritrace/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	var batchStore *types.Interface
	for _, p := range pkgs {
		if p.PkgPath == "agritrace/pkg/domain" && p.Types != nil {
			obj := p.Types.Scope().Lookup("BatchStore")
			if obj == nil {
				t.Fatalf("domain.BatchStore not found")
			}
			iface, ok := obj.Type().Underlying().(*types.Interface)
			if !ok {
				t.Fatalf("domain.BatchStore is not an interface")
			}
			batchStore = iface
		}
	}
	if batchStore == nil {
		t.Fatalf("failed to resolve BatchStore interface")
	}
	allowed := map[string]struct{}{
		"agritrace/internal/infra/persistence/memory":   {},
		"agritrace/internal/infra/persistence/sqlite":   {},
		"agritrace/internal/infra/persistence/postgres": {},
		"agritrace/internal/infra/persistence/mongo":    {},
	}
	var unexpected []string
	for _, p := range pkgs {
		if p.Types == nil || p.Types.Scope() == nil {
			continue
		}
		for _, name := range p.Types.Scope().Names() {
			obj := p.Types.Scope().Lookup(name)
			if _, isType := obj.(*types.TypeName); !isType {
				continue
			}
			named, ok := obj.Type().(*types.Named)
			if !ok {
				continue
			}
			if _, ok := named.Underlying().(*types.Struct); !ok {
				continue
			}
			if types.Implements(types.NewPointer(named), batchStore) {
				if _, ok := allowed[p.PkgPath]; !ok {
					unexpected = append(unexpected, p.PkgPath+"."+name)
				}
			}
		}
	}
	if len(unexpected) > 0 {
		_, file, line, _ := runtime.Caller(0)
		t.Fatalf("unexpected BatchStore implementations (update allowed list intentionally if adding a new backend):\nfile=%s:%d\n%s", filepath.Base(file), line, unexpected)
	}
}
