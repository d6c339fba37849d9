package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SuiteResult summarizes a batch of scenario runs.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Runs           []ScenarioRun     `json:"runs"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioRun is one executed scenario.
type ScenarioRun struct {
	Path   string  `json:"path"`
	Name   string  `json:"name"`
	Result *Result `json:"result"`
}

// ScenarioFailure describes a scenario that failed to load, run or pass.
type ScenarioFailure struct {
	Scenario string `json:"scenario,omitempty"`
	Path     string `json:"path"`
	Error    string `json:"error"`
}

// ExpandPaths replaces each directory in paths with the .yaml and .yml
// files it contains, sorted by name. Files are kept as given.
func ExpandPaths(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("scenario path %s: %w", p, err)
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("read scenario dir %s: %w", p, err)
		}
		var files []string
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(files)
		out = append(out, files...)
	}
	return out, nil
}

// RunFiles loads and runs every scenario under paths. A scenario that
// fails to load or run counts as failed; the batch continues.
func RunFiles(paths []string) (*SuiteResult, error) {
	files, err := ExpandPaths(paths)
	if err != nil {
		return nil, err
	}

	suite := &SuiteResult{Runs: []ScenarioRun{}}
	for _, path := range files {
		suite.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			suite.Failed++
			suite.Failures = append(suite.Failures, ScenarioFailure{Path: path, Error: err.Error()})
			continue
		}

		result, err := Run(scenario)
		if err != nil {
			suite.Failed++
			suite.Failures = append(suite.Failures, ScenarioFailure{
				Scenario: scenario.Name,
				Path:     path,
				Error:    err.Error(),
			})
			continue
		}

		suite.Runs = append(suite.Runs, ScenarioRun{Path: path, Name: scenario.Name, Result: result})
		if result.Pass {
			suite.Passed++
			continue
		}
		suite.Failed++
		suite.Failures = append(suite.Failures, ScenarioFailure{
			Scenario: scenario.Name,
			Path:     path,
			Error:    strings.Join(result.Errors, "\n"),
		})
	}
	return suite, nil
}
