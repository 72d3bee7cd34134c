package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

func writeProject(t *testing.T, name, content string) string {
	file := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
	return file
}

func TestSequenceName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "shot010", sequenceName("/Game/Seq/shot010.shot010"))
	require.Equal(t, "shot020", sequenceName("/Game/Seq/shot020/"))
	require.Equal(t, "intro", sequenceName("intro"))
	require.Empty(t, sequenceName(""))
	require.Empty(t, sequenceName("/Game/Seq/.hidden"))
}

func TestLoadProject(t *testing.T) {
	t.Parallel()

	yamlFile := writeProject(t, "hrlv.yaml", `
name: hrlv
map: /Game/Maps/HRLV
config: /Game/Cfg/HQ
output_dir: /mnt/renders/hrlv
sequences:
  - /Game/Seq/shot010.shot010
  - /Game/Seq/shot020.shot020
`)
	jsonFile := writeProject(t, "hrlv.json", `{
  "name": "hrlv",
  "map": "/Game/Maps/HRLV",
  "config": "/Game/Cfg/HQ",
  "output_dir": "/mnt/renders/hrlv",
  "sequences": ["/Game/Seq/shot010.shot010", "/Game/Seq/shot020.shot020"]
}`)
	fromYAML, err := LoadProject(yamlFile)
	require.NoError(t, err)
	fromJSON, err := LoadProject(jsonFile)
	require.NoError(t, err)
	require.Equal(t, fromYAML, fromJSON)

	payloads, err := fromYAML.Payloads()
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	var first renderPayload
	require.NoError(t, json.Unmarshal(payloads[0], &first))
	require.Equal(t, renderPayload{
		Name:      "shot010",
		Project:   "hrlv",
		Map:       "/Game/Maps/HRLV",
		Sequence:  "/Game/Seq/shot010.shot010",
		Config:    "/Game/Cfg/HQ",
		OutputDir: "/mnt/renders/hrlv/shot010",
	}, first)
}

func TestLoadProjectInvalid(t *testing.T) {
	t.Parallel()

	cases := []string{
		"name: [unclosed",
		"name: x\nsequences: [/Game/Seq/a]\n",
		"name: x\nmap: /Game/Maps/M\n",
		"map: /Game/Maps/M\nsequences: [\"\"]\n",
	}
	for i, content := range cases {
		_, err := LoadProject(writeProject(t, "p.yaml", content))
		require.True(t, cerrors.Is(err, cerrors.ErrProjectFileInvalid), "case %d: %v", i, err)
	}
	_, err := LoadProject(filepath.Join(t.TempDir(), "missing.yaml"))
	require.True(t, cerrors.Is(err, cerrors.ErrProjectFileInvalid))
}
