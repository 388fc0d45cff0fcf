package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/allthingssecurity/evoldsl/internal/model"
)

const runIndexFile = "run_index.json"

// RunArtifacts is the full on-disk record of one bootstrap run: the run
// summary, its cycle audit trail, the lineage of every committed function,
// and a snapshot of the library after the run.
type RunArtifacts struct {
	Run     model.RunRecord       `json:"run"`
	Cycles  []model.CycleRecord   `json:"cycles,omitempty"`
	Lineage []model.LineageRecord `json:"lineage,omitempty"`
	Library []model.FunctionSpec  `json:"library,omitempty"`
}

// RunIndexEntry is one row of the cross-run index kept at the artifact root.
type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Tasks        string  `json:"tasks"`
	Cycles       int     `json:"cycles"`
	Seed         int64   `json:"seed"`
	BestFitness  float64 `json:"best_fitness"`
	NewFunctions int     `json:"new_functions"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// IndexEntryForRun derives the index row from a run record.
func IndexEntryForRun(run model.RunRecord) RunIndexEntry {
	return RunIndexEntry{
		RunID:        run.RunID,
		Tasks:        strings.Join(run.Tasks, "; "),
		Cycles:       run.Cycles,
		Seed:         run.Seed,
		BestFitness:  run.BestFitness,
		NewFunctions: run.NewFunctions,
		CreatedAtUTC: run.CreatedAtUTC,
	}
}

// WriteRunArtifacts persists one run under baseDir/<run_id> and returns the
// run directory. Every component file is written even when empty so readers
// can rely on the file set.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Run.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Run.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "run.json"), artifacts.Run); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "cycles.json"), artifacts.Cycles); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "lineage.json"), artifacts.Lineage); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "library.json"), artifacts.Library); err != nil {
		return "", err
	}
	if err := WriteFitnessSeries(runDir, bestByCycle(artifacts.Cycles)); err != nil {
		return "", err
	}

	return runDir, nil
}

func bestByCycle(cycles []model.CycleRecord) []float64 {
	series := make([]float64, 0, len(cycles))
	for _, cycle := range cycles {
		series = append(series, cycle.BestFitness)
	}
	return series
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies one run's artifact directory into outDir and
// returns the destination directory.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	files := []string{"run.json", "cycles.json", "lineage.json", "library.json"}
	for _, file := range files {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	seriesPath := filepath.Join(src, "fitness_series.csv")
	if _, err := os.Stat(seriesPath); err == nil {
		if err := copyFile(seriesPath, filepath.Join(dst, "fitness_series.csv")); err != nil {
			return "", err
		}
	} else if err != nil && !os.IsNotExist(err) {
		return "", err
	}

	return dst, nil
}

func ReadRunRecord(baseDir, runID string) (model.RunRecord, bool, error) {
	path := filepath.Join(baseDir, runID, "run.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}

	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, false, err
	}
	return run, true, nil
}

func ReadCycleRecords(baseDir, runID string) ([]model.CycleRecord, bool, error) {
	path := filepath.Join(baseDir, runID, "cycles.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var cycles []model.CycleRecord
	if err := json.Unmarshal(data, &cycles); err != nil {
		return nil, false, err
	}
	return cycles, true, nil
}

func ReadLineageRecords(baseDir, runID string) ([]model.LineageRecord, bool, error) {
	path := filepath.Join(baseDir, runID, "lineage.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var lineage []model.LineageRecord
	if err := json.Unmarshal(data, &lineage); err != nil {
		return nil, false, err
	}
	return lineage, true, nil
}

func ReadLibrarySnapshot(baseDir, runID string) ([]model.FunctionSpec, bool, error) {
	path := filepath.Join(baseDir, runID, "library.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var library []model.FunctionSpec
	if err := json.Unmarshal(data, &library); err != nil {
		return nil, false, err
	}
	return library, true, nil
}

// WriteFitnessSeries records the best fitness observed in each cycle as a
// two-column CSV alongside the JSON artifacts.
func WriteFitnessSeries(runDir string, bestByCycle []float64) error {
	path := filepath.Join(runDir, "fitness_series.csv")
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"cycle", "best_fitness"}); err != nil {
		return err
	}
	for i, best := range bestByCycle {
		if err := writer.Write([]string{
			strconv.Itoa(i + 1),
			strconv.FormatFloat(best, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadFitnessSeries(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(baseDir, runID, "fitness_series.csv")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("fitness series header must have at least 2 columns")
	}

	series := make([]float64, 0, 64)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 2 {
			return nil, false, fmt.Errorf("fitness series row must have at least 2 columns")
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
