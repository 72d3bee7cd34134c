package main

import (
	"encoding/json"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hanfei1991/renderfarm/model"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

// Project lists the sequences of one level to render with the same settings.
// Project files are YAML, which also accepts JSON.
type Project struct {
	Name      string   `yaml:"name"`
	Map       string   `yaml:"map"`
	Sequences []string `yaml:"sequences"`
	Config    string   `yaml:"config"`
	OutputDir string   `yaml:"output_dir"`
}

// renderPayload is the payload of one job, read back by the render workers.
type renderPayload struct {
	Name      string `json:"name"`
	Project   string `json:"project,omitempty"`
	Map       string `json:"map"`
	Sequence  string `json:"sequence"`
	Config    string `json:"config,omitempty"`
	OutputDir string `json:"output_dir,omitempty"`
}

func LoadProject(file string) (*Project, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, cerrors.ErrProjectFileInvalid.Wrap(err).GenWithStackByArgs(file, err.Error())
	}
	p := &Project{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, cerrors.ErrProjectFileInvalid.Wrap(err).GenWithStackByArgs(file, err.Error())
	}
	if p.Map == "" {
		return nil, cerrors.ErrProjectFileInvalid.GenWithStackByArgs(file, "map is required")
	}
	if len(p.Sequences) == 0 {
		return nil, cerrors.ErrProjectFileInvalid.GenWithStackByArgs(file, "no sequences")
	}
	for _, seq := range p.Sequences {
		if sequenceName(seq) == "" {
			return nil, cerrors.ErrProjectFileInvalid.GenWithStackByArgs(file, "invalid sequence "+seq)
		}
	}
	return p, nil
}

// sequenceName returns the asset name of a sequence path, e.g. "shot010" for
// "/Game/Seq/shot010.shot010".
func sequenceName(seq string) string {
	base := path.Base(strings.TrimRight(seq, "/"))
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	return base
}

// Payloads returns the payload of one job per sequence.
func (p *Project) Payloads() ([]model.Payload, error) {
	ret := make([]model.Payload, 0, len(p.Sequences))
	for _, seq := range p.Sequences {
		name := sequenceName(seq)
		outputDir := ""
		if p.OutputDir != "" {
			outputDir = path.Join(p.OutputDir, name)
		}
		data, err := json.Marshal(&renderPayload{
			Name:      name,
			Project:   p.Name,
			Map:       p.Map,
			Sequence:  seq,
			Config:    p.Config,
			OutputDir: outputDir,
		})
		if err != nil {
			return nil, cerrors.Trace(err)
		}
		ret = append(ret, data)
	}
	return ret, nil
}
