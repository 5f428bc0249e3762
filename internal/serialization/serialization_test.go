package serialization

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func createTestDB(t *testing.T, dir string, seed bool) string {
	t.Helper()
	dbPath := filepath.Join(dir, "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(schemaDDL); err != nil {
		t.Fatalf("schema: %v", err)
	}

	if seed {
		db.Exec(`INSERT INTO buckets VALUES ('test-bucket', 'us-east-1', 'bleepstore', 'bleepstore', '2026-02-25T12:00:00.000Z')`)
		db.Exec(`INSERT INTO objects VALUES ('test-bucket', 'photos/cat.jpg', 142857, '"d41d8cd98f00b204e9800998ecf8427e"', 'image/jpeg', NULL, NULL, NULL, NULL, NULL, 'STANDARD', '{"x-amz-meta-author":"John"}', '2026-02-25T14:30:45.000Z', 0)`)
		db.Exec(`INSERT INTO multipart_uploads VALUES ('upload-abc123', 'test-bucket', 'large-file.bin', 'application/octet-stream', NULL, NULL, NULL, NULL, NULL, 'STANDARD', '{}', 'bleepstore', 'bleepstore', '2026-02-25T13:00:00.000Z')`)
		db.Exec(`INSERT INTO multipart_parts VALUES ('upload-abc123', 1, 5242880, '"098f6bcd4621d373cade4e832627b4f6"', '2026-02-25T13:05:00.000Z')`)
	}

	return dbPath
}

func TestExportAllTables(t *testing.T) {
	dir := t.TempDir()
	dbPath := createTestDB(t, dir, true)

	result, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(result), &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	envelope := data["bleepstore_export"].(map[string]any)
	if envelope["version"].(float64) != 1 {
		t.Error("expected version 1")
	}
	if envelope["source"].(string) != "go/0.1.0" {
		t.Error("expected source go/0.1.0")
	}

	buckets := data["buckets"].([]any)
	if len(buckets) != 1 {
		t.Errorf("expected 1 bucket, got %d", len(buckets))
	}

	objects := data["objects"].([]any)
	if len(objects) != 1 {
		t.Errorf("expected 1 object, got %d", len(objects))
	}
}

func TestExportUserMetadataExpanded(t *testing.T) {
	dir := t.TempDir()
	dbPath := createTestDB(t, dir, true)

	result, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	var data map[string]any
	json.Unmarshal([]byte(result), &data)

	objects := data["objects"].([]any)
	obj := objects[0].(map[string]any)
	meta := obj["user_metadata"].(map[string]any)
	if meta["x-amz-meta-author"].(string) != "John" {
		t.Error("expected user_metadata.x-amz-meta-author = John")
	}
}

func TestExportBoolFields(t *testing.T) {
	dir := t.TempDir()
	dbPath := createTestDB(t, dir, true)

	result, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	var data map[string]any
	json.Unmarshal([]byte(result), &data)

	objects := data["objects"].([]any)
	obj := objects[0].(map[string]any)
	if obj["delete_marker"].(bool) != false {
		t.Error("expected delete_marker = false")
	}
}

func TestExportNullFields(t *testing.T) {
	dir := t.TempDir()
	dbPath := createTestDB(t, dir, true)

	result, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	var data map[string]any
	json.Unmarshal([]byte(result), &data)

	objects := data["objects"].([]any)
	obj := objects[0].(map[string]any)
	if obj["content_encoding"] != nil {
		t.Error("expected content_encoding = null")
	}
}

func TestExportPartialTables(t *testing.T) {
	dir := t.TempDir()
	dbPath := createTestDB(t, dir, true)

	opts := &ExportOptions{Tables: []string{"buckets", "objects"}}
	result, err := ExportMetadata(dbPath, opts)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	var data map[string]any
	json.Unmarshal([]byte(result), &data)

	if _, ok := data["buckets"]; !ok {
		t.Error("expected buckets")
	}
	if _, ok := data["objects"]; !ok {
		t.Error("expected objects")
	}
	if _, ok := data["multipart_uploads"]; ok {
		t.Error("should not have multipart_uploads")
	}
}

func TestExportSortedKeys(t *testing.T) {
	dir := t.TempDir()
	dbPath := createTestDB(t, dir, true)

	result, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	// Verify sorted keys by checking the JSON output directly.
	// The first key after { should be "bleepstore_export" which comes before "buckets".
	const wantStart = "{\n  \"bleepstore_export\""
	if len(result) < len(wantStart) || result[:len(wantStart)] != wantStart {
		t.Errorf("export does not start with the bleepstore_export key: %.40q", result)
	}
	var data map[string]any
	json.Unmarshal([]byte(result), &data)
	if _, ok := data["bleepstore_export"]; !ok {
		t.Error("expected bleepstore_export key")
	}
}

func TestRoundTrip(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	db1 := createTestDB(t, dir1, true)
	db2 := createTestDB(t, dir2, false)

	opts := &ExportOptions{Tables: AllTables}
	exported, err := ExportMetadata(db1, opts)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	result, err := ImportMetadata(db2, exported, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	if result.Counts["buckets"] != 1 {
		t.Errorf("expected 1 bucket imported, got %d", result.Counts["buckets"])
	}
	if result.Counts["objects"] != 1 {
		t.Errorf("expected 1 object imported, got %d", result.Counts["objects"])
	}

	// Re-export and compare data sections.
	reExported, err := ExportMetadata(db2, opts)
	if err != nil {
		t.Fatalf("re-export: %v", err)
	}

	var data1, data2 map[string]any
	json.Unmarshal([]byte(exported), &data1)
	json.Unmarshal([]byte(reExported), &data2)
	delete(data1, "bleepstore_export")
	delete(data2, "bleepstore_export")

	b1, _ := json.Marshal(data1)
	b2, _ := json.Marshal(data2)
	if string(b1) != string(b2) {
		t.Error("round-trip data mismatch")
	}
}

func TestImportIntoFreshDatabase(t *testing.T) {
	// Import must create the schema itself when the target database is new.
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	db1 := createTestDB(t, dir1, true)

	exported, err := ExportMetadata(db1, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	freshPath := filepath.Join(dir2, "fresh.db")
	result, err := ImportMetadata(freshPath, exported, nil)
	if err != nil {
		t.Fatalf("import into fresh db: %v", err)
	}
	if result.Counts["buckets"] != 1 {
		t.Errorf("expected 1 bucket imported, got %d", result.Counts["buckets"])
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestImportMergeIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := createTestDB(t, dir, true)

	opts := &ExportOptions{Tables: AllTables}
	exported, err := ExportMetadata(dbPath, opts)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	result, err := ImportMetadata(dbPath, exported, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	if result.Counts["buckets"] != 0 {
		t.Errorf("expected 0 buckets (idempotent), got %d", result.Counts["buckets"])
	}
}

func TestImportReplace(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	db1 := createTestDB(t, dir1, true)
	db2 := createTestDB(t, dir2, true)

	opts := &ExportOptions{Tables: AllTables}
	exported, err := ExportMetadata(db1, opts)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	result, err := ImportMetadata(db2, exported, &ImportOptions{Replace: true})
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	if result.Counts["buckets"] != 1 {
		t.Errorf("expected 1 bucket, got %d", result.Counts["buckets"])
	}
}

func TestImportInvalidVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := createTestDB(t, dir, false)

	_, err := ImportMetadata(dbPath, `{"bleepstore_export":{"version":99}}`, nil)
	if err == nil {
		t.Error("expected error for invalid version")
	}
}

func TestReferenceFixture(t *testing.T) {
	// Load and import the reference fixture, then re-export and compare.
	fixturePath := "../../../tests/fixtures/metadata-export-reference.json"
	fixtureData, err := os.ReadFile(fixturePath)
	if err != nil {
		t.Skipf("reference fixture not found: %v", err)
	}

	dir := t.TempDir()
	dbPath := createTestDB(t, dir, false)

	result, err := ImportMetadata(dbPath, string(fixtureData), nil)
	if err != nil {
		t.Fatalf("import reference fixture: %v", err)
	}

	if result.Counts["buckets"] != 2 {
		t.Errorf("expected 2 buckets, got %d", result.Counts["buckets"])
	}
	if result.Counts["objects"] != 3 {
		t.Errorf("expected 3 objects, got %d", result.Counts["objects"])
	}

	// Re-export and compare data sections.
	opts := &ExportOptions{Tables: AllTables}
	reExported, err := ExportMetadata(dbPath, opts)
	if err != nil {
		t.Fatalf("re-export: %v", err)
	}

	var refData, goData map[string]any
	json.Unmarshal(fixtureData, &refData)
	json.Unmarshal([]byte(reExported), &goData)

	// Compare each table section.
	for _, table := range AllTables {
		refTable, _ := json.Marshal(refData[table])
		goTable, _ := json.Marshal(goData[table])
		if string(refTable) != string(goTable) {
			t.Errorf("table %s mismatch:\nref: %s\n go: %s", table, refTable, goTable)
		}
	}
}
