package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: ""},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:      RedisConfig{Dns: ""},
	}
	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.Server.Port != DEFAULT_PORT {
		t.Errorf("Expected default port %s, got %s", DEFAULT_PORT, cnf.Server.Port)
	}
	if cnf.LockTTL() != 5*time.Minute {
		t.Errorf("Expected lock TTL of 5m, got %v", cnf.LockTTL())
	}
	if cnf.Lock.Backend != LockBackendRedis {
		t.Errorf("Expected redis lock backend, got %s", cnf.Lock.Backend)
	}
	if cnf.Rotation.MaxRetries != 3 {
		t.Errorf("Expected max retries 3, got %d", cnf.Rotation.MaxRetries)
	}
	if cnf.Reconciliation.MaxWorkers != 10 {
		t.Errorf("Expected 10 reconcile workers, got %d", cnf.Reconciliation.MaxWorkers)
	}
	if cnf.BrandTimeout() != 45*time.Second {
		t.Errorf("Expected brand timeout 45s, got %v", cnf.BrandTimeout())
	}
	if len(cnf.Brands) != 1 || cnf.Brands[0].Collection != "default_workflow_queue" {
		t.Errorf("Expected a default brand, got %+v", cnf.Brands)
	}
	if len(cnf.Brands[0].Platforms) != len(DefaultPlatforms) {
		t.Errorf("Expected default platforms, got %v", cnf.Brands[0].Platforms)
	}
}

func TestValidateAndAddDefaults_Brands(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Brands: []BrandConfig{
			{Name: "carz", Platforms: []string{"tiktok"}},
			{Name: "ownerfi", Collection: "property_videos"},
		},
	}
	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	carz, ok := cnf.Brand("carz")
	if !ok || carz.Collection != "carz_workflow_queue" {
		t.Errorf("Expected carz brand with derived collection, got %+v", carz)
	}
	if len(carz.Platforms) != 1 {
		t.Errorf("Expected configured platforms to be kept, got %v", carz.Platforms)
	}
	if _, ok := cnf.Brand("property_videos"); !ok {
		t.Errorf("Expected lookup by collection to succeed")
	}

	cnf.Brands = append(cnf.Brands, BrandConfig{Name: "dup", Collection: "property_videos"})
	if err := cnf.validateAndAddDefaults(); err == nil {
		t.Errorf("Expected duplicate collection error")
	}
}

func TestValidateAndAddDefaults_UnknownLockBackend(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Lock:       LockConfig{Backend: "zookeeper"},
	}
	if err := cnf.validateAndAddDefaults(); err == nil {
		t.Errorf("Expected unsupported backend error")
	}
}

func TestValidateAndAddDefaults_BrandTimeoutWithinLockTTL(t *testing.T) {
	cnf := Configuration{
		DataSource:     DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:          RedisConfig{Dns: "localhost:6379"},
		Lock:           LockConfig{TTLSeconds: 60},
		Reconciliation: ReconciliationConfig{BrandTimeoutSeconds: 60},
	}
	err := cnf.validateAndAddDefaults()
	if err == nil || !strings.Contains(err.Error(), "brand timeout") {
		t.Errorf("Expected brand timeout error, got %v", err)
	}
}

func TestReconcileTimeout(t *testing.T) {
	cnf := MockConfig(&Configuration{})
	if cnf.ReconcileTimeout() != cnf.LockTTL() {
		t.Errorf("Expected reconcile timeout %v, got %v", cnf.LockTTL(), cnf.ReconcileTimeout())
	}

	brands := make([]BrandConfig, 0, 8)
	for i := 0; i < 8; i++ {
		brands = append(brands, BrandConfig{Name: fmt.Sprintf("brand_%d", i)})
	}
	cnf = MockConfig(&Configuration{Brands: brands})
	if cnf.ReconcileTimeout() != 8*45*time.Second {
		t.Errorf("Expected reconcile timeout %v, got %v", 8*45*time.Second, cnf.ReconcileTimeout())
	}
}

func TestShouldAutoReset(t *testing.T) {
	off := false
	on := true
	cnf := Configuration{}
	if !cnf.ShouldAutoReset(BrandConfig{}) {
		t.Errorf("Expected auto reset to default to true")
	}
	cnf.Rotation.AutoResetCycle = &off
	if cnf.ShouldAutoReset(BrandConfig{}) {
		t.Errorf("Expected global setting to disable auto reset")
	}
	if !cnf.ShouldAutoReset(BrandConfig{AutoResetCycle: &on}) {
		t.Errorf("Expected brand setting to override global setting")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "spool.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource:  DataSourceConfig{Dns: "temp-dns"},
		Redis:       RedisConfig{Dns: "temp-redis"},
		Brands:      []BrandConfig{{Name: "benefit"}},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	os.Setenv("SPOOL_PROJECT_NAME", "Env Project")
	os.Setenv("SPOOL_LOCK_TTL_SECONDS", "600")
	defer os.Unsetenv("SPOOL_PROJECT_NAME")
	defer os.Unsetenv("SPOOL_LOCK_TTL_SECONDS")

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if loadedConfig.ProjectName != "Env Project" {
		t.Errorf("Expected ProjectName to be 'Env Project', got '%s'", loadedConfig.ProjectName)
	}
	if loadedConfig.DataSource.Dns != "temp-dns" {
		t.Errorf("Expected DataSource.Dns to be 'temp-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
	if loadedConfig.LockTTL() != 10*time.Minute {
		t.Errorf("Expected env override of lock TTL, got %v", loadedConfig.LockTTL())
	}
	if _, ok := loadedConfig.Brand("benefit_workflow_queue"); !ok {
		t.Errorf("Expected benefit brand to be loaded from file")
	}
}

func TestMockConfig(t *testing.T) {
	cnf := MockConfig(&Configuration{})
	fetched, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if fetched != cnf {
		t.Errorf("Expected Fetch to return the mocked configuration")
	}
	if cnf.DataSource.Dns != "memory://" {
		t.Errorf("Expected in-memory datasource for mocks, got %s", cnf.DataSource.Dns)
	}
}
