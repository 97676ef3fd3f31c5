package dataset

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("CNPJ_FUNDO\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscover_RangeAndDedupe(t *testing.T) {
	dataDir := t.TempDir()
	d := informe()
	root := d.Dir(dataDir)

	touch(t, filepath.Join(root, "2023", "12", "inf_diario_fi_202312.csv"))
	touch(t, filepath.Join(root, "2024", "01", "inf_diario_fi_202401.csv"))
	touch(t, filepath.Join(root, "hist", "2023", "inf_diario_fi_202311.csv"))
	touch(t, filepath.Join(root, "hist", "2023", "inf_diario_fi_202312.csv"))
	touch(t, filepath.Join(root, "hist", "2023", "README.txt"))
	touch(t, filepath.Join(root, "2024", "02", ".staging-1", "inf_diario_fi_202402.csv"))

	parts, err := Discover(d, dataDir, date(2023, time.December, 1), date(2024, time.February, 28))
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d partitions, want 2: %+v", len(parts), parts)
	}
	want := filepath.Join(root, "2023", "12", "inf_diario_fi_202312.csv")
	if parts[0].Path != want {
		t.Errorf("monthly copy should win: got %s", parts[0].Path)
	}
	if parts[1].Period != (Period{2024, 1}) {
		t.Errorf("period = %v", parts[1].Period)
	}

	all, err := Discover(d, dataDir, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("unbounded discover got %d, want 3", len(all))
	}
}

func TestDiscover_MissingDirectory(t *testing.T) {
	parts, err := Discover(informe(), t.TempDir(), time.Time{}, time.Time{})
	if err != nil || len(parts) != 0 {
		t.Errorf("got %v, %v; want no partitions and no error", parts, err)
	}
}

func TestAvailablePeriods(t *testing.T) {
	dataDir := t.TempDir()
	d := Descriptor{ID: Portfolio, Kind: KindMonthly, URL: "x_{year}{month}", Path: "carteira"}
	root := d.Dir(dataDir)
	touch(t, filepath.Join(root, "2024", "01", "cda_fi_PL_202401.csv"))
	touch(t, filepath.Join(root, "2024", "01", "cda_fi_BLC_1_202401.csv"))
	touch(t, filepath.Join(root, "2023", "07", "cda_fi_PL_202307.csv"))

	got, err := AvailablePeriods(d, dataDir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"2024/01", "2023/07"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPartitions_Glob(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a", "cda_fi_PL_202401.csv"))
	touch(t, filepath.Join(root, "b", "cda_fi_BLC_1_202401.csv"))

	got, err := Partitions(root, "cda_fi_PL_*.csv")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || filepath.Base(got[0]) != "cda_fi_PL_202401.csv" {
		t.Errorf("got %v", got)
	}
}

func TestPeriodFromName(t *testing.T) {
	if p, ok := PeriodFromName("inf_diario_fi_202405.csv"); !ok || p != (Period{2024, 5}) {
		t.Errorf("got %v %v", p, ok)
	}
	if _, ok := PeriodFromName("cad_fi.csv"); ok {
		t.Error("cad_fi.csv has no period")
	}
	if _, ok := PeriodFromName("x_202413.csv"); ok {
		t.Error("month 13 should be rejected")
	}
}
