package config

import "testing"

func TestLoadCatalogSearchDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Catalog.Sort != "date" {
		t.Errorf("Catalog.Sort = %q, want date", cfg.Catalog.Sort)
	}
	if cfg.Catalog.Condition != "new-only" {
		t.Errorf("Catalog.Condition = %q, want new-only", cfg.Catalog.Condition)
	}
}

func TestLoadCatalogSearchOverrides(t *testing.T) {
	t.Setenv("CATALOG_SORT", "price")
	t.Setenv("CATALOG_CONDITION", "all")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Catalog.Sort != "price" {
		t.Errorf("Catalog.Sort = %q, want price", cfg.Catalog.Sort)
	}
	if cfg.Catalog.Condition != "all" {
		t.Errorf("Catalog.Condition = %q, want all", cfg.Catalog.Condition)
	}
}
