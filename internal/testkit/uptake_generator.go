package testkit

import (
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"gohdx/adapters/memstore"
	"gohdx/domain/core"
	"gohdx/domain/hdx"
	"gohdx/domain/stats"
)

// TruthClass labels a synthetic feature's planted ground truth
type TruthClass string

const (
	// TruthNull features exchange identically under both conditions.
	TruthNull TruthClass = "null"
	// TruthDifferential features are protected in the bound state: the
	// bound-condition rate is the apo rate divided by ProtectionFactor.
	TruthDifferential TruthClass = "differential"
	// TruthCorrupted features are deliberately broken and must surface as
	// diagnostics, never as test results.
	TruthCorrupted TruthClass = "corrupted"
)

// FeatureTruth records what was planted for one synthetic feature
type FeatureTruth struct {
	Class      TruthClass
	Amplitude  float64
	RateApo    float64
	RateBound  float64
	Offset     float64
	Corruption stats.ReasonCode // expected diagnostic reason, corrupted features only
}

// Dataset is the canonical in-memory representation of the synthetic truth
// set: a two-condition uptake experiment with planted differential features
// and deliberately corrupted ones. Rows hold the wide per-sample table as
// formatted strings for file emission; Table holds the same data resolved
// into series for direct engine input.
type Dataset struct {
	Headers []string
	Rows    [][]string

	Design   *hdx.ExposureDesign
	Table    *memstore.FeatureTable
	Features []core.FeatureID
	Truth    map[core.FeatureID]FeatureTruth
}

// Config controls the synthetic experiment shape
type Config struct {
	Features     int
	Differential int
	Corrupted    int

	Times      []float64
	Replicates int
	Conditions [2]hdx.Condition

	// Noise is the per-measurement gaussian sd in Da.
	Noise float64
	// ProtectionFactor divides the bound-state rate of differential features.
	ProtectionFactor float64

	Seed int64
}

// DefaultConfig mirrors a small real experiment: 60 peptides over 8 labeling
// times in triplicate, 8 planted slow-exchangers, 3 planted failures.
func DefaultConfig() Config {
	return Config{
		Features:         60,
		Differential:     8,
		Corrupted:        3,
		Times:            []float64{0, 10, 30, 100, 300, 1000, 3000, 10000},
		Replicates:       3,
		Conditions:       [2]hdx.Condition{"apo", "bound"},
		Noise:            0.03,
		ProtectionFactor: 8,
		Seed:             42,
	}
}

// Generate builds the synthetic truth set. Differential features occupy the
// first slots, corrupted features the last; everything between is null. The
// same seed always produces the same dataset.
func Generate(cfg Config) (*Dataset, error) {
	if cfg.Features <= 0 {
		return nil, fmt.Errorf("features must be > 0")
	}
	if cfg.Differential+cfg.Corrupted > cfg.Features {
		return nil, fmt.Errorf("%d differential + %d corrupted exceed %d features",
			cfg.Differential, cfg.Corrupted, cfg.Features)
	}
	if len(cfg.Times) < 4 {
		return nil, fmt.Errorf("need at least 4 labeling times, got %d", len(cfg.Times))
	}
	if cfg.Replicates < 1 {
		return nil, fmt.Errorf("replicates must be >= 1")
	}
	if cfg.ProtectionFactor <= 1 {
		return nil, fmt.Errorf("protection factor must be > 1")
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	labels := sampleLabels(cfg)
	design, err := hdx.DesignFromLabels(labels)
	if err != nil {
		return nil, err
	}

	features := make([]core.FeatureID, cfg.Features)
	truth := make(map[core.FeatureID]FeatureTruth, cfg.Features)
	records := make([]memstore.Record, 0, cfg.Features)

	for i := 0; i < cfg.Features; i++ {
		f := core.FeatureID(fmt.Sprintf("PEP-%04d", i+1))
		features[i] = f

		// Per-feature kinetics: amplitude 2-8 Da, apo rate log-uniform
		// across the observable window, small back-exchange offset.
		a := 2 + rng.Float64()*6
		b := math.Exp(math.Log(0.002) + rng.Float64()*(math.Log(0.05)-math.Log(0.002)))
		d := rng.Float64() * 0.4

		ft := FeatureTruth{Class: TruthNull, Amplitude: a, RateApo: b, RateBound: b, Offset: d}
		switch {
		case i < cfg.Differential:
			ft.Class = TruthDifferential
			ft.RateBound = b / cfg.ProtectionFactor
		case i >= cfg.Features-cfg.Corrupted:
			ft.Class = TruthCorrupted
			ft.Corruption = corruptionReason(i)
		}
		truth[f] = ft

		values := make(map[string]float64, len(labels))
		if ft.Class == TruthCorrupted {
			corruptValues(values, cfg, labels, i)
		} else {
			for _, label := range labels {
				p, _ := design.Resolve(label)
				rate := ft.RateApo
				if p.Condition == cfg.Conditions[1] {
					rate = ft.RateBound
				}
				values[label] = uptakeAt(p.Time, a, rate, d) + rng.NormFloat64()*cfg.Noise
			}
		}
		records = append(records, memstore.Record{Feature: f, Values: values})
	}

	table, err := memstore.FromRecords(design, records)
	if err != nil {
		return nil, err
	}

	headers := append([]string{"feature"}, design.Labels()...)
	rows := make([][]string, cfg.Features)
	for i, f := range features {
		row := make([]string, 0, len(headers))
		row = append(row, f.String())
		for _, label := range design.Labels() {
			row = append(row, cellFor(records[i].Values, label))
		}
		rows[i] = row
	}

	return &Dataset{
		Headers:  headers,
		Rows:     rows,
		Design:   design,
		Table:    table,
		Features: features,
		Truth:    truth,
	}, nil
}

// uptakeAt is the planted truth curve: single-exponential approach to the
// amplitude plus a constant offset.
func uptakeAt(t, a, b, d float64) float64 {
	if t <= 0 {
		return d
	}
	return a*(1-math.Exp(-b*t)) + d
}

// sampleLabels emits the design's label set under the parsing convention.
func sampleLabels(cfg Config) []string {
	labels := make([]string, 0, 2*len(cfg.Times)*cfg.Replicates)
	for _, cond := range cfg.Conditions {
		for _, t := range cfg.Times {
			sec := strconv.FormatFloat(t, 'f', -1, 64)
			for r := 1; r <= cfg.Replicates; r++ {
				labels = append(labels, fmt.Sprintf("%s_%ss_r%d", cond, sec, r))
			}
		}
	}
	sort.Strings(labels)
	return labels
}

// corruptValues plants one of three realistic acquisition failures, cycling
// by feature index: a dead feature (every cell NaN), a thin feature (only
// the first and last time points survived), and a dropout feature (one
// condition entirely missing).
func corruptValues(values map[string]float64, cfg Config, labels []string, idx int) {
	switch idx % 3 {
	case 0: // dead: all cells non-finite
		for _, label := range labels {
			values[label] = math.NaN()
		}
	case 1: // thin: two distinct times only
		first, last := cfg.Times[0], cfg.Times[len(cfg.Times)-1]
		for _, label := range labels {
			p, err := hdx.ParseSampleLabel(label)
			if err != nil {
				continue
			}
			if p.Time == first || p.Time == last {
				values[label] = 1.0
			}
		}
	case 2: // dropout: second condition never acquired
		for _, label := range labels {
			p, err := hdx.ParseSampleLabel(label)
			if err != nil {
				continue
			}
			if p.Condition == cfg.Conditions[0] {
				values[label] = uptakeAt(p.Time, 4, 0.01, 0.2)
			}
		}
	}
}

// corruptionReason maps the corruption mode to the diagnostic it must raise
func corruptionReason(idx int) stats.ReasonCode {
	switch idx % 3 {
	case 0:
		return stats.ReasonEmptySeries
	case 1:
		return stats.ReasonInsufficientData
	default:
		return stats.ReasonNoContrast
	}
}

// cellFor formats one table cell; absent cells stay blank, non-finite cells
// keep their text form the way instrument exports do.
func cellFor(values map[string]float64, label string) string {
	v, ok := values[label]
	if !ok {
		return ""
	}
	if math.IsNaN(v) {
		return "NaN"
	}
	return fToStr(v, 4)
}

// DifferentialFeatures lists the planted slow-exchangers in feature order
func (d *Dataset) DifferentialFeatures() []core.FeatureID {
	return d.featuresOf(TruthDifferential)
}

// CorruptedFeatures lists the planted failures in feature order
func (d *Dataset) CorruptedFeatures() []core.FeatureID {
	return d.featuresOf(TruthCorrupted)
}

func (d *Dataset) featuresOf(class TruthClass) []core.FeatureID {
	var out []core.FeatureID
	for _, f := range d.Features {
		if d.Truth[f].Class == class {
			out = append(out, f)
		}
	}
	return out
}

// Fingerprint hashes the formatted table, so two generations can be compared
// without diffing every cell.
func (d *Dataset) Fingerprint() core.DatasetHash {
	var b strings.Builder
	b.WriteString(strings.Join(d.Headers, ","))
	b.WriteString("\n")
	for _, row := range d.Rows {
		b.WriteString(strings.Join(row, ","))
		b.WriteString("\n")
	}
	return core.NewDatasetHash([]byte(b.String()))
}

// WriteCSV emits the wide per-sample table
func WriteCSV(path string, ds *Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(ds.Headers); err != nil {
		return err
	}
	for _, row := range ds.Rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

// WriteXLSX emits the wide per-sample table as a workbook
func WriteXLSX(path string, ds *Dataset) error {
	f := excelize.NewFile()

	sheet := "Sheet1"
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx == -1 {
		idx, err := f.NewSheet(sheet)
		if err != nil {
			return err
		}
		f.SetActiveSheet(idx)
	}

	for i, h := range ds.Headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}

	for r := 0; r < len(ds.Rows); r++ {
		rowIdx := r + 2
		for c, v := range ds.Rows[r] {
			cell, _ := excelize.CoordinatesToCellName(c+1, rowIdx)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	return f.SaveAs(path)
}

func fToStr(x float64, decimals int) string {
	p := math.Pow10(decimals)
	x = math.Round(x*p) / p
	return strconv.FormatFloat(x, 'f', decimals, 64)
}
