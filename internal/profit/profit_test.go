package profit

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/fundscope/fundscope/internal/dataset"
	fserrors "github.com/fundscope/fundscope/internal/errors"
)

var informe = dataset.Descriptor{ID: dataset.Informe, Kind: dataset.KindMonthly, Path: "cvm/informe"}

func date(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func writeFile(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func setup(t *testing.T) string {
	t.Helper()
	dataDir := t.TempDir()
	root := filepath.Join(dataDir, "cvm", "informe")
	writeFile(t, filepath.Join(root, "2023", "12"), "inf_diario_fi_202312.csv",
		"CNPJ_FUNDO;DT_COMPTC;VL_QUOTA;VL_PATRIM_LIQ",
		"A;2023-12-28;10,0;100",
		"B;2023-12-28;5,0;50",
		"A;2023-12-29;11,0;110",
	)
	writeFile(t, filepath.Join(root, "2024", "01"), "inf_diario_fi_202401.csv",
		"TP_FUNDO_CLASSE;CNPJ_FUNDO_CLASSE;DT_COMPTC;VL_QUOTA",
		"FI;A;2024-01-03;9,9",
		"FI;A;2024-01-02;;",
		"FI;A;data;1,0",
	)
	return dataDir
}

func TestReturns_RoundTrip(t *testing.T) {
	daily, cumulative := Returns([]float64{10, 11, 9.9})
	wantDaily := []float64{0, 0.10, -0.10}
	wantCum := []float64{0, 10, -1}
	for i := range wantDaily {
		if math.Abs(daily[i]-wantDaily[i]) > 1e-9 {
			t.Errorf("daily[%d] = %v, want %v", i, daily[i], wantDaily[i])
		}
		if math.Abs(cumulative[i]-wantCum[i]) > 1e-9 {
			t.Errorf("cumulative[%d] = %v, want %v", i, cumulative[i], wantCum[i])
		}
	}
}

func TestReturns_NonPositivePreviousIsZero(t *testing.T) {
	daily, cumulative := Returns([]float64{0, 5, 10})
	if daily[1] != 0 || daily[2] != 1 {
		t.Errorf("daily = %v", daily)
	}
	if cumulative[2] != 100 {
		t.Errorf("cumulative = %v", cumulative)
	}
	if d, c := Returns(nil); len(d) != 0 || len(c) != 0 {
		t.Error("empty input should give empty series")
	}
}

func TestCumulativeReturn_AcrossSchemaDrift(t *testing.T) {
	s := New(informe, setup(t), Options{})
	got, err := s.CumulativeReturn(context.Background(), "A", date("2023-12-01"), date("2024-01-31"))
	if err != nil {
		t.Fatalf("CumulativeReturn: %v", err)
	}
	if got.Len() != 3 {
		t.Fatalf("rows = %d, want 3", got.Len())
	}
	wantDates := []string{"2023-12-28", "2023-12-29", "2024-01-03"}
	wantCum := []float64{0, 10, -1}
	for i := range wantDates {
		if got.String(i, ColDate) != wantDates[i] {
			t.Errorf("row %d date = %s", i, got.String(i, ColDate))
		}
		c, _ := got.Float(i, ColCumulative)
		if math.Abs(c-wantCum[i]) > 1e-9 {
			t.Errorf("row %d cumulative = %v, want %v", i, c, wantCum[i])
		}
		if got.String(i, ColID) != "A" {
			t.Errorf("row %d id = %s", i, got.String(i, ColID))
		}
	}
}

func TestCumulativeReturn_DateFilter(t *testing.T) {
	s := New(informe, setup(t), Options{})
	got, err := s.CumulativeReturn(context.Background(), "A", date("2023-12-29"), date("2023-12-31"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 1 || got.String(0, ColDate) != "2023-12-29" {
		t.Fatalf("unexpected rows: %d", got.Len())
	}
	if c, _ := got.Float(0, ColCumulative); c != 0 {
		t.Errorf("single observation cumulative = %v", c)
	}
}

func TestCumulativeReturn_NoData(t *testing.T) {
	s := New(informe, setup(t), Options{})
	ctx := context.Background()

	cases := []struct {
		name       string
		id         string
		start, end time.Time
		code       string
	}{
		{"unknown fund", "Z", date("2023-12-01"), date("2024-01-31"), fserrors.CodeNoData},
		{"no partitions", "A", date("2020-01-01"), date("2020-02-01"), fserrors.CodeNoData},
		{"empty id", "", date("2023-12-01"), date("2024-01-31"), fserrors.CodeNotFound},
		{"inverted range", "A", date("2024-01-31"), date("2023-12-01"), fserrors.CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CumulativeReturn(ctx, tc.id, tc.start, tc.end)
			if fserrors.GetCode(err) != tc.code {
				t.Errorf("got %v, want code %s", err, tc.code)
			}
		})
	}
}

func TestReturns_Property(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("cumulative matches first-to-last quota ratio", prop.ForAll(
		func(quotas []float64) bool {
			if len(quotas) == 0 {
				return true
			}
			_, cumulative := Returns(quotas)
			want := (quotas[len(quotas)-1]/quotas[0] - 1) * 100
			got := cumulative[len(cumulative)-1]
			return math.Abs(got-want) <= 1e-6*math.Max(1, math.Abs(want))
		},
		gen.SliceOf(gen.Float64Range(0.5, 2)),
	))
	properties.TestingRun(t)
}
