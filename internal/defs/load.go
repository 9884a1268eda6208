package defs

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// LoadMode controls how errors are handled while loading.
type LoadMode int

const (
	// LoadModeFailFast stops at the first invalid projection.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll reports every invalid projection.
	LoadModeCollectAll
)

// LoadResult is what a definition directory declares.
type LoadResult struct {
	Specs     []Spec
	FileCount int
}

// LoadDir loads every .cue file of dir as one CUE instance.
func LoadDir(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("definitions directory: %w", err)}
	}
	if !info.IsDir() {
		return nil, []error{fmt.Errorf("not a directory: %s", dir)}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("scan %s: %w", dir, err)}
	}
	if len(files) == 0 {
		return nil, []error{fmt.Errorf("no CUE files found in %s", dir)}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{fmt.Errorf("no CUE instances loaded from %s", dir)}
	}
	if err := instances[0].Err; err != nil {
		return nil, []error{fmt.Errorf("load CUE files: %w", err)}
	}

	value := cuecontext.New().BuildInstance(instances[0])
	result, errs := compileValue(value, mode)
	if result != nil {
		result.FileCount = len(files)
	}
	return result, errs
}

// LoadString compiles a single CUE source. filename is used in positions.
func LoadString(src, filename string, mode LoadMode) (*LoadResult, []error) {
	value := cuecontext.New().CompileString(src, cue.Filename(filename))
	result, errs := compileValue(value, mode)
	if result != nil {
		result.FileCount = 1
	}
	return result, errs
}

func compileValue(value cue.Value, mode LoadMode) (*LoadResult, []error) {
	if err := value.Err(); err != nil {
		return nil, []error{formatCUEError(err)}
	}

	result := &LoadResult{}
	projections := value.LookupPath(cue.ParsePath("projection"))
	if !projections.Exists() {
		return result, []error{fmt.Errorf("no projection definitions found")}
	}

	iter, err := projections.Fields()
	if err != nil {
		return result, []error{formatCUEError(err)}
	}

	var errs []error
	seen := make(map[string]bool)
	for iter.Next() {
		spec, err := CompileProjection(iter.Label(), iter.Value())
		if err == nil && seen[spec.Name] {
			err = &CompileError{Field: "name", Message: fmt.Sprintf("projection %q declared twice", spec.Name), Pos: spec.Pos}
		}
		if err != nil {
			errs = append(errs, err)
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		seen[spec.Name] = true
		result.Specs = append(result.Specs, *spec)
	}

	slices.SortFunc(result.Specs, func(a, b Spec) int { return strings.Compare(a.Name, b.Name) })
	return result, errs
}

// FindCUEFiles walks dir and returns every .cue file.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
