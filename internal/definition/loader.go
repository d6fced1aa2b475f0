// Package definition reads process definitions and decision tables from YAML,
// checks that their nodes and edges form runnable processes and serves them
// to the engine through a registry that can be swapped at runtime.
package definition

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/weft/model"
	"gopkg.in/yaml.v3"
)

// Loader reads process definition files. Unknown keys are rejected so a
// misspelled node field fails the load instead of silently dropping an edge.
type Loader struct{}

// NewLoader creates a process definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll reads every *.yaml and *.yml file below the given directories, in
// lexical order. Other files are ignored.
func (l *Loader) LoadAll(directories []string) ([]model.DefinitionFile, error) {
	var defs []model.DefinitionFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load process definitions from %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile reads one definition file. The checksum covers the raw bytes and
// every process is stamped with the file it came from.
func (l *Loader) LoadFile(path string) (model.DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DefinitionFile{}, fmt.Errorf("read process definition file: %w", err)
	}

	var def model.DefinitionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return model.DefinitionFile{}, fmt.Errorf("process definition file %s: %w", path, err)
	}
	if len(def.Processes) == 0 && len(def.Decisions) == 0 {
		return model.DefinitionFile{}, fmt.Errorf("process definition file %s declares no processes or decisions", path)
	}

	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = path
	for i := range def.Processes {
		def.Processes[i].File = filepath.Base(path)
	}

	return def, nil
}
