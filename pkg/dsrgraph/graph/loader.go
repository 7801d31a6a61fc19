package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// datasetFile is the on-disk layout: a document holds one or more datasets.
type datasetFile struct {
	Datasets []Dataset `json:"datasets" yaml:"datasets"`
}

// ParseDatasets decodes a YAML document of the form
//
//	datasets:
//	  - name: app_db
//	    connection_key: postgres_main
//	    collections: [...]
func ParseDatasets(data []byte) ([]Dataset, error) {
	var f datasetFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse datasets: %w", err)
	}
	return f.Datasets, nil
}

// ParseDatasetsJSON decodes the JSON form of ParseDatasets.
func ParseDatasetsJSON(data []byte) ([]Dataset, error) {
	var f datasetFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse datasets: %w", err)
	}
	return f.Datasets, nil
}

// LoadDatasets reads datasets from a file or from every .yaml, .yml and
// .json file in a directory, in lexical order.
func LoadDatasets(path string) ([]Dataset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat datasets: %w", err)
	}
	if !info.IsDir() {
		return loadDatasetFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	var out []Dataset
	for _, name := range names {
		ds, err := loadDatasetFile(filepath.Join(path, name))
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}
	return out, nil
}

func loadDatasetFile(path string) ([]Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset file: %w", err)
	}
	var ds []Dataset
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		ds, err = ParseDatasets(data)
	case ".json":
		ds, err = ParseDatasetsJSON(data)
	default:
		return nil, fmt.Errorf("unsupported dataset file extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}
